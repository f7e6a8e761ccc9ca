package roadspeed

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// squareGraph is a two-way square 1-2-3-4 with dead end 5 attached to node 1
func squareGraph(t *testing.T) *RoadGraph {
	t.Helper()
	builder := NewRoadGraphBuilder()
	builder.AddNode(1, -6.2000, 106.8000)
	builder.AddNode(2, -6.2000, 106.8100)
	builder.AddNode(3, -6.2100, 106.8100)
	builder.AddNode(4, -6.2100, 106.8000)
	builder.AddNode(5, -6.1900, 106.8000)
	edges := [][2]int64{{1, 2}, {2, 3}, {3, 4}, {4, 1}, {1, 5}}
	for i, edge := range edges {
		for _, pair := range [][2]int64{{edge[0], edge[1]}, {edge[1], edge[0]}} {
			_, err := builder.AddSegment(RoadSegment{
				OSMWayID:     int64(100 + i),
				SourceNodeID: pair[0],
				TargetNodeID: pair[1],
				Name:         "Jalan Test",
				Class:        "residential",
				SpeedLimit:   30,
			})
			require.NoError(t, err)
		}
	}
	graph, err := builder.Build()
	require.NoError(t, err)
	return graph
}

// spurredSquareGraph is squareGraph with dead end attached to every corner, so every corner is intersection
func spurredSquareGraph(t *testing.T) *RoadGraph {
	t.Helper()
	builder := NewRoadGraphBuilder()
	builder.AddNode(1, -6.2000, 106.8000)
	builder.AddNode(2, -6.2000, 106.8100)
	builder.AddNode(3, -6.2100, 106.8100)
	builder.AddNode(4, -6.2100, 106.8000)
	builder.AddNode(5, -6.1900, 106.8000)
	builder.AddNode(6, -6.1900, 106.8100)
	builder.AddNode(7, -6.2200, 106.8100)
	builder.AddNode(8, -6.2200, 106.8000)
	edges := [][2]int64{{1, 2}, {2, 3}, {3, 4}, {4, 1}, {1, 5}, {2, 6}, {3, 7}, {4, 8}}
	for i, edge := range edges {
		for _, pair := range [][2]int64{{edge[0], edge[1]}, {edge[1], edge[0]}} {
			_, err := builder.AddSegment(RoadSegment{
				OSMWayID:     int64(200 + i),
				SourceNodeID: pair[0],
				TargetNodeID: pair[1],
				Class:        "residential",
				SpeedLimit:   30,
			})
			require.NoError(t, err)
		}
	}
	graph, err := builder.Build()
	require.NoError(t, err)
	return graph
}

func TestRoadGraphStreetCount(t *testing.T) {
	// Two ways of the same street meeting end to end
	builder := NewRoadGraphBuilder()
	builder.AddNode(1, 0, 0)
	builder.AddNode(2, 0, 0.01)
	builder.AddNode(3, 0, 0.02)
	for _, pair := range [][2]int64{{1, 2}, {2, 1}, {2, 3}, {3, 2}} {
		_, err := builder.AddSegment(RoadSegment{SourceNodeID: pair[0], TargetNodeID: pair[1]})
		require.NoError(t, err)
	}
	// Parallel segment does not add street
	_, err := builder.AddSegment(RoadSegment{SourceNodeID: 2, TargetNodeID: 3, LengthMeters: 5000})
	require.NoError(t, err)
	graph, err := builder.Build()
	require.NoError(t, err)

	middle, ok := graph.Node(2)
	require.True(t, ok)
	assert.Equal(t, 5, middle.Degree)
	assert.Equal(t, 2, middle.StreetCount)
	assert.False(t, middle.IsIntersection())
}

func TestRoadGraphBuilder(t *testing.T) {
	graph := squareGraph(t)
	assert.Len(t, graph.Nodes(), 5)
	assert.Len(t, graph.Segments(), 10)

	expectedDegree := map[int64]int{1: 6, 2: 4, 3: 4, 4: 4, 5: 2}
	expectedStreets := map[int64]int{1: 3, 2: 2, 3: 2, 4: 2, 5: 1}
	for id, degree := range expectedDegree {
		node, ok := graph.Node(id)
		require.True(t, ok)
		assert.Equal(t, degree, node.Degree, "node %d", id)
		assert.Equal(t, expectedStreets[id], node.StreetCount, "node %d", id)
		assert.Equal(t, id == 1, node.IsIntersection(), "node %d", id)
	}

	segment, ok := graph.SegmentBetween(1, 2)
	require.True(t, ok)
	assert.Equal(t, SegmentID(1), segment.ID)
	assert.Len(t, segment.Geom, 2)
	assert.InDelta(t, 1105.0, segment.LengthMeters, 10.0)

	_, ok = graph.SegmentBetween(1, 3)
	assert.False(t, ok)
	assert.Equal(t, "RoadGraph(nodes: 5, segments: 10)", graph.String())
}

func TestRoadGraphBuilderErrors(t *testing.T) {
	builder := NewRoadGraphBuilder()
	_, err := builder.Build()
	assert.Error(t, err)

	builder.AddNode(1, 0, 0)
	builder.AddNode(2, 0, 0.01)
	builder.AddNode(1, 10, 10)
	_, err = builder.AddSegment(RoadSegment{SourceNodeID: 1, TargetNodeID: 3})
	assert.Error(t, err)
	_, err = builder.AddSegment(RoadSegment{SourceNodeID: 1, TargetNodeID: 1})
	assert.Error(t, err)
	id, err := builder.AddSegment(RoadSegment{ID: 7, SourceNodeID: 1, TargetNodeID: 2})
	require.NoError(t, err)
	assert.Equal(t, SegmentID(7), id)
	_, err = builder.AddSegment(RoadSegment{ID: 7, SourceNodeID: 2, TargetNodeID: 1})
	assert.Error(t, err)

	graph, err := builder.Build()
	require.NoError(t, err)
	node, ok := graph.Node(1)
	require.True(t, ok)
	assert.Equal(t, 0.0, node.Lat, "second registration must be ignored")
}

func TestSegmentBetweenPicksShortest(t *testing.T) {
	builder := NewRoadGraphBuilder()
	builder.AddNode(1, 0, 0)
	builder.AddNode(2, 0, 0.01)
	_, err := builder.AddSegment(RoadSegment{SourceNodeID: 1, TargetNodeID: 2, LengthMeters: 2000})
	require.NoError(t, err)
	shortest, err := builder.AddSegment(RoadSegment{SourceNodeID: 1, TargetNodeID: 2, LengthMeters: 1500})
	require.NoError(t, err)
	graph, err := builder.Build()
	require.NoError(t, err)
	segment, ok := graph.SegmentBetween(1, 2)
	require.True(t, ok)
	assert.Equal(t, shortest, segment.ID)
}

func TestRoadGraphWithin(t *testing.T) {
	graph := spurredSquareGraph(t)
	// Corners 1-4 only, spurs are outside
	bound := orb.Bound{Min: orb.Point{106.7999, -6.2101}, Max: orb.Point{106.8101, -6.1999}}
	sub, err := graph.Within(bound)
	require.NoError(t, err)
	assert.Len(t, sub.Nodes(), 4)
	assert.Len(t, sub.Segments(), 8)

	for _, segment := range sub.Segments() {
		original, ok := graph.Segment(segment.ID)
		require.True(t, ok)
		assert.Equal(t, original.SourceNodeID, segment.SourceNodeID)
		assert.Equal(t, original.TargetNodeID, segment.TargetNodeID)
	}
	corner, ok := sub.Node(1)
	require.True(t, ok)
	assert.Equal(t, 2, corner.StreetCount)
	assert.False(t, corner.IsIntersection())

	_, err = graph.Within(orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{1, 1}})
	assert.Error(t, err)
}

func TestRoadGraphPathGeometry(t *testing.T) {
	graph := spurredSquareGraph(t)
	line := graph.PathGeometry([]int64{1, 2, 3})
	assert.Equal(t, orb.LineString{{106.8000, -6.2000}, {106.8100, -6.2000}, {106.8100, -6.2100}}, line)
	assert.Nil(t, graph.PathGeometry([]int64{1, 3}))
	assert.Nil(t, graph.PathGeometry([]int64{1}))
}
