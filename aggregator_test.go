package roadspeed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpeed(t *testing.T) {
	assert.Equal(t, 30.0, Speed(1200, 10000))
	assert.Equal(t, 33.33, Speed(1080, 10000))
	assert.Equal(t, 0.0, Speed(0, 10000))
	assert.Equal(t, 0.0, Speed(1200, 0))
	assert.Equal(t, 0.0, Speed(-5, 10000))
}

func routeOnSegment(idx int, roadID SegmentID, speedKmh float64) ScrapedRoute {
	route := testScrapedRoute(idx, speedKmh)
	route.RoadID = roadID
	return route
}

func TestAggregateWindow(t *testing.T) {
	agg := NewAggregator()
	short := routeOnSegment(5, 1, 30)
	short.ScrapedData.Distance.Value = 150
	fallback := routeOnSegment(6, 2, 40)
	fallback.ScrapedData.TrafficAware = false
	noTraffic := routeOnSegment(7, 2, 0)
	noTraffic.ScrapedData.DurationInTraffic.Value = 0
	noTraffic.ScrapedData.Duration.Value = 1200

	rows := agg.AggregateWindow(WINDOW_OFF_PEAK, []ScrapedRoute{
		routeOnSegment(0, 2, 20),
		routeOnSegment(1, 1, 30),
		routeOnSegment(2, 1, 40),
		routeOnSegment(3, 3, 3),
		routeOnSegment(4, 4, 130),
		short,
		fallback,
		noTraffic,
	})
	require.Len(t, rows, 4)

	assert.Equal(t, SegmentID(1), rows[0].RoadID)
	assert.Equal(t, 35.0, rows[0].AvgSpeedKmh)
	assert.Equal(t, 2, rows[0].Observations, "short route is skipped")
	assert.Equal(t, QUALITY_NONE, rows[0].QualityFlag)
	assert.Equal(t, WINDOW_OFF_PEAK, rows[0].TimeWindow)

	assert.Equal(t, SegmentID(2), rows[1].RoadID)
	assert.Equal(t, 3, rows[1].Observations)
	assert.Equal(t, 1, rows[1].FallbackObservations)
	assert.Equal(t, 30.0, rows[1].AvgSpeedKmh)

	assert.Equal(t, QUALITY_TOO_LOW, rows[2].QualityFlag)
	assert.Equal(t, QUALITY_TOO_HIGH, rows[3].QualityFlag)
}

func TestAggregateSuspiciousPeak(t *testing.T) {
	agg := NewAggregator()
	rows := agg.Aggregate(map[TimeWindow][]ScrapedRoute{
		WINDOW_PEAK_AM: {
			routeOnSegment(0, 1, 45),
			routeOnSegment(1, 2, 20),
			routeOnSegment(2, 3, 130),
		},
		WINDOW_OFF_PEAK: {
			routeOnSegment(0, 1, 40),
			routeOnSegment(1, 2, 40),
			routeOnSegment(2, 3, 60),
		},
		WINDOW_PEAK_PM: {
			routeOnSegment(0, 1, 50),
		},
	})
	require.Len(t, rows, 7)
	flags := map[TimeWindow]map[SegmentID]QualityFlag{}
	for _, row := range rows {
		if flags[row.TimeWindow] == nil {
			flags[row.TimeWindow] = map[SegmentID]QualityFlag{}
		}
		flags[row.TimeWindow][row.RoadID] = row.QualityFlag
	}
	assert.Equal(t, QUALITY_SUSPICIOUS, flags[WINDOW_PEAK_AM][1])
	assert.Equal(t, QUALITY_NONE, flags[WINDOW_PEAK_AM][2])
	assert.Equal(t, QUALITY_TOO_HIGH, flags[WINDOW_PEAK_AM][3], "range flag has precedence")
	assert.Equal(t, QUALITY_NONE, flags[WINDOW_OFF_PEAK][1])
	assert.Equal(t, QUALITY_SUSPICIOUS, flags[WINDOW_PEAK_PM][1])

	// Rows come in daily window order
	assert.Equal(t, WINDOW_PEAK_AM, rows[0].TimeWindow)
	assert.Equal(t, WINDOW_PEAK_PM, rows[6].TimeWindow)
}

func TestAggregatorResolvesRoadFromGraph(t *testing.T) {
	graph := squareGraph(t)
	agg := NewAggregator()
	agg.Graph = graph

	direct := testScrapedRoute(0, 30)
	direct.RoadID = 0
	direct.OriginNode, direct.DestNode = 2, 3
	direct.Path = []int64{2, 3}

	viaPath := testScrapedRoute(1, 40)
	viaPath.RoadID = 0
	viaPath.OriginNode, viaPath.DestNode = 1, 3
	viaPath.Path = []int64{1, 2, 3}

	unknown := testScrapedRoute(2, 50)
	unknown.RoadID = 0
	unknown.OriginNode, unknown.DestNode = 77, 78
	unknown.Path = []int64{77, 78}

	rows := agg.AggregateWindow(WINDOW_PEAK_AM, []ScrapedRoute{direct, viaPath, unknown})
	require.Len(t, rows, 2)
	first, _ := graph.SegmentBetween(1, 2)
	second, _ := graph.SegmentBetween(2, 3)
	assert.ElementsMatch(t, []SegmentID{first.ID, second.ID}, []SegmentID{rows[0].RoadID, rows[1].RoadID})
}

func TestSummaryAndProfiles(t *testing.T) {
	rows := []AggregatedSegmentSpeed{
		{RoadID: 2, TimeWindow: WINDOW_OFF_PEAK, AvgSpeedKmh: 40, QualityFlag: QUALITY_NONE, Observations: 1},
		{RoadID: 1, TimeWindow: WINDOW_PEAK_AM, AvgSpeedKmh: 20, QualityFlag: QUALITY_NONE, Observations: 1},
		{RoadID: 2, TimeWindow: WINDOW_PEAK_AM, AvgSpeedKmh: 3, QualityFlag: QUALITY_TOO_LOW, Observations: 1},
		{RoadID: 1, TimeWindow: WINDOW_OFF_PEAK, AvgSpeedKmh: 30, QualityFlag: QUALITY_NONE, Observations: 1},
	}
	summaries := Summary(rows)
	require.Len(t, summaries, 2)
	assert.Equal(t, WINDOW_PEAK_AM, summaries[0].TimeWindow)
	assert.Equal(t, 2, summaries[0].Segments)
	assert.Equal(t, 3.0, summaries[0].MinKmh)
	assert.Equal(t, 20.0, summaries[0].MaxKmh)
	assert.Equal(t, 11.5, summaries[0].MeanKmh)
	assert.Equal(t, 1, summaries[0].Flagged)
	assert.Equal(t, 35.0, summaries[1].MeanKmh)

	profiles := Profiles(rows)
	require.Len(t, profiles, 2)
	assert.Equal(t, SegmentID(1), profiles[0].RoadID)
	require.NotNil(t, profiles[0].PeakAM)
	assert.Equal(t, 20.0, *profiles[0].PeakAM)
	assert.Equal(t, 30.0, *profiles[0].OffPeak)
	assert.Nil(t, profiles[0].PeakPM)
	assert.Equal(t, QUALITY_TOO_LOW, profiles[1].Flags[WINDOW_PEAK_AM])

	assert.Empty(t, Summary(nil))
}
