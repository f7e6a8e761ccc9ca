package roadspeed

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/pkg/errors"
)

// SegmentID is identifier of directed road segment
type SegmentID int64

// RoadNode is an intersection (or dead end) of road network
type RoadNode struct {
	ID  int64
	Lat float64
	Lon float64
	// Degree is number of incoming and outgoing directed segments
	Degree int
	// StreetCount is number of distinct neighbour nodes regardless of direction.
	// Node joining two pieces of the same street has 2 no matter how many ways meet there
	StreetCount int
}

// IntersectionMinStreets is minimal street count of node to be treated as intersection
const IntersectionMinStreets = 3

// IsIntersection reports whether at least three streets meet at node
func (node *RoadNode) IsIntersection() bool {
	return node.StreetCount >= IntersectionMinStreets
}

// GeoPoint returns node position
func (node *RoadNode) GeoPoint() GeoPoint {
	return GeoPoint{Lat: node.Lat, Lon: node.Lon}
}

// RoadSegment is a directed piece of road between two nodes.
// Two-way roads are represented by two segments (one per direction)
type RoadSegment struct {
	ID           SegmentID
	OSMWayID     int64
	SourceNodeID int64
	TargetNodeID int64
	Name         string
	Class        string
	Oneway       bool
	LengthMeters float64
	SpeedLimit   float64
	Geom         orb.LineString
}

// RoadGraph is immutable road network used during a single run
type RoadGraph struct {
	nodes      []*RoadNode
	nodesIdx   map[int64]int
	segments   []*RoadSegment
	segmentIdx map[SegmentID]int
	// source -> target -> shortest segment between them
	adjacency map[int64]map[int64]SegmentID
}

// Nodes returns nodes in discovery order. Do not modify returned values
func (graph *RoadGraph) Nodes() []*RoadNode {
	return graph.nodes
}

// Segments returns segments in insertion order. Do not modify returned values
func (graph *RoadGraph) Segments() []*RoadSegment {
	return graph.segments
}

// Node returns node by its identifier
func (graph *RoadGraph) Node(id int64) (*RoadNode, bool) {
	idx, ok := graph.nodesIdx[id]
	if !ok {
		return nil, false
	}
	return graph.nodes[idx], true
}

// Segment returns segment by its identifier
func (graph *RoadGraph) Segment(id SegmentID) (*RoadSegment, bool) {
	idx, ok := graph.segmentIdx[id]
	if !ok {
		return nil, false
	}
	return graph.segments[idx], true
}

// SegmentBetween returns the shortest segment going from source to target
func (graph *RoadGraph) SegmentBetween(source, target int64) (*RoadSegment, bool) {
	targets, ok := graph.adjacency[source]
	if !ok {
		return nil, false
	}
	segmentID, ok := targets[target]
	if !ok {
		return nil, false
	}
	return graph.Segment(segmentID)
}

// String returns short description of graph
func (graph *RoadGraph) String() string {
	return fmt.Sprintf("RoadGraph(nodes: %d, segments: %d)", len(graph.nodes), len(graph.segments))
}

// RoadGraphBuilder accumulates nodes and segments and produces RoadGraph
type RoadGraphBuilder struct {
	nodes         []*RoadNode
	nodesIdx      map[int64]int
	segments      []*RoadSegment
	segmentsIdx   map[SegmentID]int
	nextSegmentID SegmentID
}

// NewRoadGraphBuilder returns empty builder
func NewRoadGraphBuilder() *RoadGraphBuilder {
	return &RoadGraphBuilder{
		nodes:       make([]*RoadNode, 0),
		nodesIdx:    make(map[int64]int),
		segments:    make([]*RoadSegment, 0),
		segmentsIdx: make(map[SegmentID]int),
	}
}

// AddNode registers node. Second registration of the same ID is ignored, so discovery order is kept
func (builder *RoadGraphBuilder) AddNode(id int64, lat, lon float64) {
	if _, ok := builder.nodesIdx[id]; ok {
		return
	}
	builder.nodesIdx[id] = len(builder.nodes)
	builder.nodes = append(builder.nodes, &RoadNode{ID: id, Lat: lat, Lon: lon})
}

// AddSegment registers directed segment. Both nodes must be registered already.
// Zero ID means "generate next one". Zero length is evaluated from geometry
func (builder *RoadGraphBuilder) AddSegment(segment RoadSegment) (SegmentID, error) {
	source, ok := builder.nodesIdx[segment.SourceNodeID]
	if !ok {
		return 0, fmt.Errorf("No such source node %d", segment.SourceNodeID)
	}
	target, ok := builder.nodesIdx[segment.TargetNodeID]
	if !ok {
		return 0, fmt.Errorf("No such target node %d", segment.TargetNodeID)
	}
	if segment.SourceNodeID == segment.TargetNodeID {
		return 0, fmt.Errorf("Loop segment on node %d", segment.SourceNodeID)
	}
	if segment.ID == 0 {
		builder.nextSegmentID++
		for {
			if _, ok := builder.segmentsIdx[builder.nextSegmentID]; !ok {
				break
			}
			builder.nextSegmentID++
		}
		segment.ID = builder.nextSegmentID
	} else if _, ok := builder.segmentsIdx[segment.ID]; ok {
		return 0, fmt.Errorf("Duplicate segment %d", segment.ID)
	}
	if len(segment.Geom) < 2 {
		sourceNode := builder.nodes[source]
		targetNode := builder.nodes[target]
		segment.Geom = orb.LineString{{sourceNode.Lon, sourceNode.Lat}, {targetNode.Lon, targetNode.Lat}}
	}
	if segment.LengthMeters <= 0 {
		segment.LengthMeters = geo.LengthHaversign(segment.Geom)
	}
	seg := segment
	builder.segmentsIdx[seg.ID] = len(builder.segments)
	builder.segments = append(builder.segments, &seg)
	return seg.ID, nil
}

// Build evaluates nodes degree (in + out segments) and street count, returns immutable graph
func (builder *RoadGraphBuilder) Build() (*RoadGraph, error) {
	if len(builder.nodes) == 0 {
		return nil, errors.New("Road graph has no nodes")
	}
	graph := &RoadGraph{
		nodes:      make([]*RoadNode, len(builder.nodes)),
		nodesIdx:   make(map[int64]int, len(builder.nodes)),
		segments:   make([]*RoadSegment, len(builder.segments)),
		segmentIdx: make(map[SegmentID]int, len(builder.segments)),
		adjacency:  make(map[int64]map[int64]SegmentID),
	}
	neighbours := make(map[int64]map[int64]struct{}, len(builder.nodes))
	for i, node := range builder.nodes {
		copied := *node
		copied.Degree = 0
		copied.StreetCount = 0
		graph.nodes[i] = &copied
		graph.nodesIdx[copied.ID] = i
	}
	for i, segment := range builder.segments {
		copied := *segment
		graph.segments[i] = &copied
		graph.segmentIdx[copied.ID] = i
		graph.nodes[graph.nodesIdx[copied.SourceNodeID]].Degree++
		graph.nodes[graph.nodesIdx[copied.TargetNodeID]].Degree++
		addNeighbour(neighbours, copied.SourceNodeID, copied.TargetNodeID)
		addNeighbour(neighbours, copied.TargetNodeID, copied.SourceNodeID)
		if _, ok := graph.adjacency[copied.SourceNodeID]; !ok {
			graph.adjacency[copied.SourceNodeID] = make(map[int64]SegmentID)
		}
		if existing, ok := graph.adjacency[copied.SourceNodeID][copied.TargetNodeID]; ok {
			if graph.segments[graph.segmentIdx[existing]].LengthMeters <= copied.LengthMeters {
				continue
			}
		}
		graph.adjacency[copied.SourceNodeID][copied.TargetNodeID] = copied.ID
	}
	for id, set := range neighbours {
		graph.nodes[graph.nodesIdx[id]].StreetCount = len(set)
	}
	return graph, nil
}

func addNeighbour(neighbours map[int64]map[int64]struct{}, node, neighbour int64) {
	if _, ok := neighbours[node]; !ok {
		neighbours[node] = make(map[int64]struct{})
	}
	neighbours[node][neighbour] = struct{}{}
}

// Within returns subgraph of nodes inside bound and segments with both ends inside.
// Segment IDs and discovery order are kept
func (graph *RoadGraph) Within(bound orb.Bound) (*RoadGraph, error) {
	builder := NewRoadGraphBuilder()
	for _, node := range graph.nodes {
		if bound.Contains(orb.Point{node.Lon, node.Lat}) {
			builder.AddNode(node.ID, node.Lat, node.Lon)
		}
	}
	if len(builder.nodes) == 0 {
		return nil, fmt.Errorf("No nodes inside bound %v", bound)
	}
	for _, segment := range graph.segments {
		_, sourceOk := builder.nodesIdx[segment.SourceNodeID]
		_, targetOk := builder.nodesIdx[segment.TargetNodeID]
		if !sourceOk || !targetOk {
			continue
		}
		_, err := builder.AddSegment(*segment)
		if err != nil {
			return nil, errors.Wrapf(err, "Can't keep segment %d", segment.ID)
		}
	}
	return builder.Build()
}

// PathGeometry joins geometries of segments along node path. Returns nil when some hop has no segment
func (graph *RoadGraph) PathGeometry(path []int64) orb.LineString {
	if len(path) < 2 {
		return nil
	}
	line := orb.LineString{}
	for i := 1; i < len(path); i++ {
		segment, ok := graph.SegmentBetween(path[i-1], path[i])
		if !ok {
			return nil
		}
		points := segment.Geom
		if len(line) > 0 && len(points) > 0 && line[len(line)-1] == points[0] {
			points = points[1:]
		}
		line = append(line, points...)
	}
	return line
}
