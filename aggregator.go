package roadspeed

import (
	"math"
	"sort"
)

// QualityFlag marks anomalous aggregated speed
type QualityFlag uint16

const (
	QUALITY_NONE = QualityFlag(iota + 1)
	QUALITY_TOO_LOW
	QUALITY_TOO_HIGH
	QUALITY_SUSPICIOUS
)

func (iotaIdx QualityFlag) String() string {
	if iotaIdx < QUALITY_NONE || iotaIdx > QUALITY_SUSPICIOUS {
		return "undefined"
	}
	return [...]string{"none", "too_low", "too_high", "suspicious"}[iotaIdx-1]
}

// MarshalText implements encoding.TextMarshaler
func (iotaIdx QualityFlag) MarshalText() ([]byte, error) {
	return []byte(iotaIdx.String()), nil
}

// Speed returns distance / duration in km/h rounded to 2 decimals. Zero for non-positive inputs
func Speed(durationSeconds, distanceMeters float64) float64 {
	if durationSeconds <= 0 || distanceMeters <= 0 {
		return 0
	}
	return round2(distanceMeters / durationSeconds * 3.6)
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}

// AggregatedSegmentSpeed is average speed of road segment within time window
type AggregatedSegmentSpeed struct {
	RoadID       SegmentID   `json:"road_id"`
	TimeWindow   TimeWindow  `json:"time_window"`
	AvgSpeedKmh  float64     `json:"avg_speed_kmh"`
	QualityFlag  QualityFlag `json:"quality_flag"`
	Observations int         `json:"observations"`
	// FallbackObservations is number of readings whose duration_in_traffic was copied from duration
	FallbackObservations int `json:"fallback_observations"`
}

// Aggregator turns scraped routes into per-segment speeds
type Aggregator struct {
	// Routes shorter than that are skipped: mapped service rounds durations to minutes
	MinDistanceMeters  float64
	MinDurationSeconds float64
	LowSpeedKmh        float64
	HighSpeedKmh       float64
	// Graph resolves road segment of results without one. Optional
	Graph *RoadGraph
}

// NewAggregator returns aggregator with default thresholds
func NewAggregator() *Aggregator {
	return &Aggregator{
		MinDistanceMeters:  200,
		MinDurationSeconds: 120,
		LowSpeedKmh:        5,
		HighSpeedKmh:       120,
	}
}

type segmentAccumulator struct {
	sum       float64
	count     int
	fallbacks int
}

// AggregateWindow returns one row per segment with at least one valid observation, ordered by road id
func (agg *Aggregator) AggregateWindow(window TimeWindow, results []ScrapedRoute) []AggregatedSegmentSpeed {
	accumulators := make(map[SegmentID]*segmentAccumulator)
	for i := range results {
		roadID, ok := agg.roadID(&results[i])
		if !ok {
			continue
		}
		data := results[i].ScrapedData
		duration := data.DurationInTraffic.Value
		if duration <= 0 {
			duration = data.Duration.Value
		}
		distance := data.Distance.Value
		if distance < agg.MinDistanceMeters || duration < agg.MinDurationSeconds {
			continue
		}
		speed := Speed(duration, distance)
		if speed <= 0 {
			continue
		}
		acc, exists := accumulators[roadID]
		if !exists {
			acc = &segmentAccumulator{}
			accumulators[roadID] = acc
		}
		acc.sum += speed
		acc.count++
		if !data.TrafficAware {
			acc.fallbacks++
		}
	}
	rows := make([]AggregatedSegmentSpeed, 0, len(accumulators))
	for roadID, acc := range accumulators {
		avg := round2(acc.sum / float64(acc.count))
		rows = append(rows, AggregatedSegmentSpeed{
			RoadID:               roadID,
			TimeWindow:           window,
			AvgSpeedKmh:          avg,
			QualityFlag:          agg.flag(avg),
			Observations:         acc.count,
			FallbackObservations: acc.fallbacks,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].RoadID < rows[j].RoadID
	})
	return rows
}

// Aggregate processes every window and flags peak rows faster than off-peak ones of the same segment
func (agg *Aggregator) Aggregate(results map[TimeWindow][]ScrapedRoute) []AggregatedSegmentSpeed {
	perWindow := make(map[TimeWindow][]AggregatedSegmentSpeed, len(results))
	for window, windowResults := range results {
		perWindow[window] = agg.AggregateWindow(window, windowResults)
	}
	offPeak := make(map[SegmentID]float64)
	for _, row := range perWindow[WINDOW_OFF_PEAK] {
		offPeak[row.RoadID] = row.AvgSpeedKmh
	}
	rows := []AggregatedSegmentSpeed{}
	for _, window := range AllTimeWindows() {
		for _, row := range perWindow[window] {
			if window.IsPeak() && row.QualityFlag == QUALITY_NONE {
				if base, ok := offPeak[row.RoadID]; ok && row.AvgSpeedKmh > base {
					row.QualityFlag = QUALITY_SUSPICIOUS
				}
			}
			rows = append(rows, row)
		}
	}
	return rows
}

func (agg *Aggregator) flag(speed float64) QualityFlag {
	switch {
	case speed < agg.LowSpeedKmh:
		return QUALITY_TOO_LOW
	case speed > agg.HighSpeedKmh:
		return QUALITY_TOO_HIGH
	default:
		return QUALITY_NONE
	}
}

// roadID returns segment of result: stored one, otherwise direct segment between endpoints or first segment of path
func (agg *Aggregator) roadID(route *ScrapedRoute) (SegmentID, bool) {
	if route.RoadID != 0 {
		return route.RoadID, true
	}
	if agg.Graph == nil {
		return 0, false
	}
	if segment, ok := agg.Graph.SegmentBetween(route.OriginNode, route.DestNode); ok {
		return segment.ID, true
	}
	for i := 1; i < len(route.Path); i++ {
		if segment, ok := agg.Graph.SegmentBetween(route.Path[i-1], route.Path[i]); ok {
			return segment.ID, true
		}
	}
	return 0, false
}

// WindowSummary is descriptive statistics of single window
type WindowSummary struct {
	TimeWindow TimeWindow `json:"time_window"`
	Segments   int        `json:"segments"`
	MinKmh     float64    `json:"min_kmh"`
	MeanKmh    float64    `json:"mean_kmh"`
	MaxKmh     float64    `json:"max_kmh"`
	Flagged    int        `json:"flagged"`
}

// Summary returns per-window statistics in daily order. Windows without rows are omitted
func Summary(rows []AggregatedSegmentSpeed) []WindowSummary {
	byWindow := make(map[TimeWindow]*WindowSummary)
	for _, row := range rows {
		summary, ok := byWindow[row.TimeWindow]
		if !ok {
			summary = &WindowSummary{
				TimeWindow: row.TimeWindow,
				MinKmh:     math.Inf(1),
				MaxKmh:     math.Inf(-1),
			}
			byWindow[row.TimeWindow] = summary
		}
		summary.Segments++
		summary.MeanKmh += row.AvgSpeedKmh
		summary.MinKmh = math.Min(summary.MinKmh, row.AvgSpeedKmh)
		summary.MaxKmh = math.Max(summary.MaxKmh, row.AvgSpeedKmh)
		if row.QualityFlag != QUALITY_NONE {
			summary.Flagged++
		}
	}
	summaries := []WindowSummary{}
	for _, window := range AllTimeWindows() {
		if summary, ok := byWindow[window]; ok {
			summary.MeanKmh = round2(summary.MeanKmh / float64(summary.Segments))
			summaries = append(summaries, *summary)
		}
	}
	return summaries
}

// SegmentSpeedProfile is wide form of aggregated rows: one record per segment with speed of each window
type SegmentSpeedProfile struct {
	RoadID  SegmentID
	PeakAM  *float64
	OffPeak *float64
	PeakPM  *float64
	Flags   map[TimeWindow]QualityFlag
}

// Profiles pivots rows into per-segment profiles ordered by road id
func Profiles(rows []AggregatedSegmentSpeed) []SegmentSpeedProfile {
	byRoad := make(map[SegmentID]*SegmentSpeedProfile)
	for _, row := range rows {
		profile, ok := byRoad[row.RoadID]
		if !ok {
			profile = &SegmentSpeedProfile{RoadID: row.RoadID, Flags: make(map[TimeWindow]QualityFlag)}
			byRoad[row.RoadID] = profile
		}
		speed := row.AvgSpeedKmh
		switch row.TimeWindow {
		case WINDOW_PEAK_AM:
			profile.PeakAM = &speed
		case WINDOW_OFF_PEAK:
			profile.OffPeak = &speed
		case WINDOW_PEAK_PM:
			profile.PeakPM = &speed
		}
		profile.Flags[row.TimeWindow] = row.QualityFlag
	}
	profiles := make([]SegmentSpeedProfile, 0, len(byRoad))
	for _, profile := range byRoad {
		profiles = append(profiles, *profile)
	}
	sort.Slice(profiles, func(i, j int) bool {
		return profiles[i].RoadID < profiles[j].RoadID
	})
	return profiles
}
