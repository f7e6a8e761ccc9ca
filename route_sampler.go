package roadspeed

import (
	"fmt"
	"strings"
	"time"

	"github.com/LdDl/ch"
	"github.com/paulmach/orb"
	"github.com/pkg/errors"
)

// SamplingMode is the way origin-destination pairs are picked
type SamplingMode uint16

const (
	// Every pair of intersections
	SAMPLING_ROAD = SamplingMode(iota + 1)
	// Random intersections to the nearest node of every facility
	SAMPLING_FACILITY
)

func (iotaIdx SamplingMode) String() string {
	if iotaIdx < SAMPLING_ROAD || iotaIdx > SAMPLING_FACILITY {
		return "undefined"
	}
	return [...]string{"road", "facility"}[iotaIdx-1]
}

// ParseSamplingMode returns mode for given label. 'hospital' is alias of 'facility'
func ParseSamplingMode(str string) (SamplingMode, error) {
	switch strings.ToLower(strings.TrimSpace(str)) {
	case "road", "":
		return SAMPLING_ROAD, nil
	case "facility", "hospital":
		return SAMPLING_FACILITY, nil
	default:
		return 0, fmt.Errorf("Unknown sampling mode '%s'. Expected values: road / facility", str)
	}
}

// RouteSampler turns road graph into deterministic queue of origin-destination tasks
type RouteSampler struct {
	graph     *RoadGraph
	maxRoutes int
	verbose   bool

	originsPerFacility int
	minDistanceKm      float64
	seed               int64

	chGraph  *ch.Graph
	prepared bool
}

// NewRouteSampler returns sampler for given graph
func NewRouteSampler(graph *RoadGraph, options ...func(*RouteSampler)) *RouteSampler {
	sampler := &RouteSampler{
		graph:              graph,
		maxRoutes:          0,
		verbose:            false,
		originsPerFacility: DefaultOriginsPerFacility,
		minDistanceKm:      DefaultMinDistanceKm,
		seed:               DefaultSamplerSeed,
	}
	for _, option := range options {
		option(sampler)
	}
	return sampler
}

// WithMaxRoutes caps number of generated tasks. Zero or negative means "no cap"
func WithMaxRoutes(maxRoutes int) func(*RouteSampler) {
	return func(sampler *RouteSampler) {
		sampler.maxRoutes = maxRoutes
	}
}

// WithSamplerVerbose enables progress printing
func WithSamplerVerbose(verbose bool) func(*RouteSampler) {
	return func(sampler *RouteSampler) {
		sampler.verbose = verbose
	}
}

// WithOriginsPerFacility sets number of origins drawn for every facility
func WithOriginsPerFacility(n int) func(*RouteSampler) {
	return func(sampler *RouteSampler) {
		sampler.originsPerFacility = n
	}
}

// WithMinDistanceKm sets minimal straight line distance between origin and facility
func WithMinDistanceKm(km float64) func(*RouteSampler) {
	return func(sampler *RouteSampler) {
		sampler.minDistanceKm = km
	}
}

// WithSeed sets seed of origins draw. Same seed gives same facility queue
func WithSeed(seed int64) func(*RouteSampler) {
	return func(sampler *RouteSampler) {
		sampler.seed = seed
	}
}

// Intersections returns nodes where at least three streets meet, in discovery order
func (sampler *RouteSampler) Intersections() []*RoadNode {
	intersections := []*RoadNode{}
	for _, node := range sampler.graph.Nodes() {
		if node.IsIntersection() {
			intersections = append(intersections, node)
		}
	}
	return intersections
}

// prepareShortestPaths builds contraction hierarchies weighted by segment length
func (sampler *RouteSampler) prepareShortestPaths() error {
	if sampler.prepared {
		return nil
	}
	if sampler.verbose {
		fmt.Printf("Preparing contraction hierarchies...")
	}
	st := time.Now()
	graph := ch.Graph{}
	for _, node := range sampler.graph.Nodes() {
		err := graph.CreateVertex(node.ID)
		if err != nil {
			return errors.Wrapf(err, "Can't create vertex %d", node.ID)
		}
	}
	for _, segment := range sampler.graph.Segments() {
		// Parallel segments are collapsed to the shortest one
		best, ok := sampler.graph.SegmentBetween(segment.SourceNodeID, segment.TargetNodeID)
		if !ok || best.ID != segment.ID {
			continue
		}
		err := graph.AddEdge(segment.SourceNodeID, segment.TargetNodeID, segment.LengthMeters)
		if err != nil {
			return errors.Wrapf(err, "Can't add segment %d", segment.ID)
		}
	}
	graph.PrepareContractionHierarchies()
	sampler.chGraph = &graph
	sampler.prepared = true
	if sampler.verbose {
		fmt.Printf("Done in %v\n", time.Since(st))
	}
	return nil
}

// GenerateRouteQueue returns tasks for every unordered pair of intersections (in discovery order) connected by path.
// Same graph and cap always give the same queue
func (sampler *RouteSampler) GenerateRouteQueue() ([]RouteTask, error) {
	err := sampler.prepareShortestPaths()
	if err != nil {
		return nil, errors.Wrap(err, "Can't prepare shortest paths")
	}
	intersections := sampler.Intersections()
	if sampler.verbose {
		fmt.Printf("Found %d intersection nodes\n", len(intersections))
		fmt.Printf("Generating route queue...")
	}
	st := time.Now()
	queue := []RouteTask{}
	for i := 0; i < len(intersections); i++ {
		if sampler.capReached(len(queue)) {
			break
		}
		origin := intersections[i]
		for j := i + 1; j < len(intersections); j++ {
			if sampler.capReached(len(queue)) {
				break
			}
			destination := intersections[j]
			task, ok := sampler.sampleTask(origin, destination)
			if !ok {
				continue
			}
			queue = append(queue, task)
		}
	}
	if sampler.verbose {
		fmt.Printf("Done in %v\n\tRoutes: %d\n", time.Since(st), len(queue))
	}
	return queue, nil
}

func (sampler *RouteSampler) capReached(n int) bool {
	return sampler.maxRoutes > 0 && n >= sampler.maxRoutes
}

func (sampler *RouteSampler) sampleTask(origin, destination *RoadNode) (RouteTask, bool) {
	if origin.ID == destination.ID {
		return RouteTask{}, false
	}
	cost, path := sampler.chGraph.ShortestPath(origin.ID, destination.ID)
	if cost < 0 || len(path) < 2 {
		return RouteTask{}, false
	}
	firstSegment, ok := sampler.graph.SegmentBetween(path[0], path[1])
	if !ok {
		return RouteTask{}, false
	}
	task := RouteTask{
		OriginNode:   origin.ID,
		DestNode:     destination.ID,
		OriginCoords: origin.GeoPoint().LatLon(),
		DestCoords:   destination.GeoPoint().LatLon(),
		Path:         make([]int64, len(path)),
		RoadID:       firstSegment.ID,
	}
	copy(task.Path, path)
	return task, true
}

// BuildRouteQueue samples every area on its own (with own cap) and concatenates queues in areas order.
// Whole graph is single area when areas are empty. In facility mode area gets only facilities inside its bounds
func BuildRouteQueue(graph *RoadGraph, areas []Area, mode SamplingMode, facilities []Facility, options ...func(*RouteSampler)) ([]RouteTask, error) {
	if len(areas) == 0 {
		return sampleQueue(NewRouteSampler(graph, options...), mode, facilities)
	}
	graphs, skipped := AreaGraphs(graph, areas)
	for _, id := range skipped {
		fmt.Printf("Area '%s' has no road nodes, skipping\n", id)
	}
	queue := []RouteTask{}
	for _, area := range areas {
		areaGraph, ok := graphs[area.ID]
		if !ok {
			continue
		}
		bound := area.Bounds.Bound()
		areaFacilities := []Facility{}
		for _, facility := range facilities {
			if bound.Contains(orb.Point{facility.Lon, facility.Lat}) {
				areaFacilities = append(areaFacilities, facility)
			}
		}
		areaQueue, err := sampleQueue(NewRouteSampler(areaGraph, options...), mode, areaFacilities)
		if err != nil {
			return nil, errors.Wrapf(err, "Can't sample area '%s'", area.ID)
		}
		queue = append(queue, areaQueue...)
	}
	return queue, nil
}

func sampleQueue(sampler *RouteSampler, mode SamplingMode, facilities []Facility) ([]RouteTask, error) {
	switch mode {
	case SAMPLING_FACILITY:
		return sampler.GenerateFacilityQueue(facilities)
	default:
		return sampler.GenerateRouteQueue()
	}
}

// ForWindow returns copy of queue stamped with given time window
func ForWindow(tasks []RouteTask, window TimeWindow) []RouteTask {
	stamped := make([]RouteTask, len(tasks))
	for i := range tasks {
		stamped[i] = tasks[i]
		stamped[i].Path = make([]int64, len(tasks[i].Path))
		copy(stamped[i].Path, tasks[i].Path)
		stamped[i].TimeWindow = window
	}
	return stamped
}
