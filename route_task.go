package roadspeed

import (
	"fmt"
	"strings"
	"time"
)

// TimeWindow is one of daily measurement periods
type TimeWindow uint16

const (
	WINDOW_PEAK_AM = TimeWindow(iota + 1)
	WINDOW_OFF_PEAK
	WINDOW_PEAK_PM
)

func (iotaIdx TimeWindow) String() string {
	if iotaIdx < WINDOW_PEAK_AM || iotaIdx > WINDOW_PEAK_PM {
		return "undefined"
	}
	return [...]string{"peak_am", "off_peak", "peak_pm"}[iotaIdx-1]
}

// IsPeak reports whether window is expected to be congested
func (iotaIdx TimeWindow) IsPeak() bool {
	return iotaIdx == WINDOW_PEAK_AM || iotaIdx == WINDOW_PEAK_PM
}

// MarshalText implements encoding.TextMarshaler
func (iotaIdx TimeWindow) MarshalText() ([]byte, error) {
	if iotaIdx < WINDOW_PEAK_AM || iotaIdx > WINDOW_PEAK_PM {
		return nil, fmt.Errorf("Undefined time window %d", iotaIdx)
	}
	return []byte(iotaIdx.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (iotaIdx *TimeWindow) UnmarshalText(text []byte) error {
	window, err := ParseTimeWindow(string(text))
	if err != nil {
		return err
	}
	*iotaIdx = window
	return nil
}

var timeWindows = map[string]TimeWindow{
	"peak_am":  WINDOW_PEAK_AM,
	"off_peak": WINDOW_OFF_PEAK,
	"peak_pm":  WINDOW_PEAK_PM,
}

// AllTimeWindows returns windows in daily order
func AllTimeWindows() []TimeWindow {
	return []TimeWindow{WINDOW_PEAK_AM, WINDOW_OFF_PEAK, WINDOW_PEAK_PM}
}

// ParseTimeWindow returns window for given label
func ParseTimeWindow(str string) (TimeWindow, error) {
	if window, ok := timeWindows[strings.ToLower(strings.TrimSpace(str))]; ok {
		return window, nil
	}
	return 0, fmt.Errorf("Unknown time window '%s'. Expected values: peak_am / off_peak / peak_pm", str)
}

// WindowSchedule is clock interval of time window
type WindowSchedule struct {
	Start time.Duration // since midnight
	End   time.Duration // since midnight
}

var defaultSchedules = map[TimeWindow]WindowSchedule{
	WINDOW_PEAK_AM:  {Start: 7 * time.Hour, End: 9 * time.Hour},
	WINDOW_OFF_PEAK: {Start: 10 * time.Hour, End: 17 * time.Hour},
	WINDOW_PEAK_PM:  {Start: 17 * time.Hour, End: 20 * time.Hour},
}

// DefaultWindowSchedule returns default clock interval for time window
func DefaultWindowSchedule(window TimeWindow) WindowSchedule {
	return defaultSchedules[window]
}

// DepartureTime returns departure moment for given day: start of the window in day's location
func (schedule WindowSchedule) DepartureTime(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, day.Location()).Add(schedule.Start)
}

// RouteTask is single origin-destination query
type RouteTask struct {
	OriginNode   int64      `json:"origin_node"`
	DestNode     int64      `json:"dest_node"`
	OriginCoords [2]float64 `json:"origin_coords"` // lat, lon
	DestCoords   [2]float64 `json:"dest_coords"`   // lat, lon
	Path         []int64    `json:"path"`
	RoadID       SegmentID  `json:"road_id"`
	TimeWindow   TimeWindow `json:"time_period,omitempty"`
	// Facility is set for tasks ending at facility. DestCoords are facility coordinates then
	Facility *FacilityRef `json:"facility,omitempty"`
}

// Origin returns origin position
func (task *RouteTask) Origin() GeoPoint {
	return geoPointFromLatLon(task.OriginCoords)
}

// Destination returns destination position
func (task *RouteTask) Destination() GeoPoint {
	return geoPointFromLatLon(task.DestCoords)
}

// StraightLineMeters returns great circle distance between origin and destination
func (task *RouteTask) StraightLineMeters() float64 {
	return greatCircleDistance(task.Origin(), task.Destination()) * 1000.0
}

// Validate checks task invariants against road graph
func (task *RouteTask) Validate(graph *RoadGraph) error {
	if task.OriginNode == task.DestNode {
		return fmt.Errorf("Origin equals destination: %d", task.OriginNode)
	}
	if len(task.Path) < 2 {
		return fmt.Errorf("Path should contain at least 2 nodes, got %d", len(task.Path))
	}
	if task.Path[0] != task.OriginNode || task.Path[len(task.Path)-1] != task.DestNode {
		return fmt.Errorf("Path does not connect %d and %d", task.OriginNode, task.DestNode)
	}
	for i := 1; i < len(task.Path); i++ {
		if _, ok := graph.SegmentBetween(task.Path[i-1], task.Path[i]); !ok {
			return fmt.Errorf("No segment between %d and %d", task.Path[i-1], task.Path[i])
		}
	}
	return nil
}

// ScrapedRoute is route task annotated with extraction data
type ScrapedRoute struct {
	Index int `json:"index"`
	RouteTask
	ScrapedData   ExtractionResult `json:"scraped_data"`
	DepartureTime time.Time        `json:"departure_time"`
	ScrapedAt     time.Time        `json:"scraped_at"`
}
