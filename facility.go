package roadspeed

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/quadtree"
	"github.com/pkg/errors"
)

const (
	DefaultOriginsPerFacility = 5
	DefaultMinDistanceKm      = 1.0
	DefaultSamplerSeed        = int64(42)
)

// Facility is fixed destination (hospital, clinic) which travel time is measured to
type Facility struct {
	ID          string
	Name        string
	Lat         float64
	Lon         float64
	City        string
	Subdistrict string
}

// GeoPoint returns facility position
func (facility *Facility) GeoPoint() GeoPoint {
	return GeoPoint{Lat: facility.Lat, Lon: facility.Lon}
}

// FacilityRef is facility attributes carried by route task
type FacilityRef struct {
	ID                 string  `json:"id"`
	Name               string  `json:"name"`
	City               string  `json:"city,omitempty"`
	StraightLineMeters float64 `json:"straight_line_m"`
}

var facilityColumns = []string{"fid", "name", "latitude", "longitude"}

// LoadFacilitiesCSV reads comma separated file with header 'fid,name,latitude,longitude[,city,subdistrict]'.
// Rows with unparsable coordinates are skipped
func LoadFacilitiesCSV(fname string) ([]Facility, error) {
	file, err := os.Open(fname)
	if err != nil {
		return nil, errors.Wrap(err, "Can't open facilities file")
	}
	defer file.Close()
	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, errors.Wrap(err, "Can't read header")
	}
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))] = i
	}
	for _, name := range facilityColumns {
		if _, ok := columns[name]; !ok {
			return nil, fmt.Errorf("Facilities file has no '%s' column", name)
		}
	}
	field := func(record []string, name string) string {
		idx, ok := columns[name]
		if !ok || idx >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[idx])
	}

	facilities := []Facility{}
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "Can't read facility")
		}
		lat, err := strconv.ParseFloat(field(record, "latitude"), 64)
		if err != nil {
			continue
		}
		lon, err := strconv.ParseFloat(field(record, "longitude"), 64)
		if err != nil {
			continue
		}
		facilities = append(facilities, Facility{
			ID:          field(record, "fid"),
			Name:        field(record, "name"),
			Lat:         lat,
			Lon:         lon,
			City:        field(record, "city"),
			Subdistrict: field(record, "subdistrict"),
		})
	}
	return facilities, nil
}

type nodePointer struct {
	*RoadNode
}

func (pointer nodePointer) Point() orb.Point {
	return orb.Point{pointer.Lon, pointer.Lat}
}

// nearestNodes indexes every node of graph for nearest node lookups
func nearestNodes(graph *RoadGraph) (*quadtree.Quadtree, error) {
	bound := orb.Bound{Min: orb.Point{math.Inf(1), math.Inf(1)}, Max: orb.Point{math.Inf(-1), math.Inf(-1)}}
	for _, node := range graph.Nodes() {
		bound = bound.Extend(orb.Point{node.Lon, node.Lat})
	}
	tree := quadtree.New(bound)
	for _, node := range graph.Nodes() {
		err := tree.Add(nodePointer{node})
		if err != nil {
			return nil, errors.Wrapf(err, "Can't index node %d", node.ID)
		}
	}
	return tree, nil
}

// GenerateFacilityQueue snaps every facility to the nearest node and draws origins among intersections
// at least min distance away from it. Facilities are processed in given order. Same graph, facilities,
// seed and cap always give the same queue
func (sampler *RouteSampler) GenerateFacilityQueue(facilities []Facility) ([]RouteTask, error) {
	err := sampler.prepareShortestPaths()
	if err != nil {
		return nil, errors.Wrap(err, "Can't prepare shortest paths")
	}
	tree, err := nearestNodes(sampler.graph)
	if err != nil {
		return nil, errors.Wrap(err, "Can't index nodes")
	}
	intersections := sampler.Intersections()
	if sampler.verbose {
		fmt.Printf("Found %d intersection nodes and %d facilities\n", len(intersections), len(facilities))
		fmt.Printf("Generating facility route queue...")
	}
	st := time.Now()
	rnd := rand.New(rand.NewSource(sampler.seed))
	minDistanceMeters := sampler.minDistanceKm * 1000.0
	queue := []RouteTask{}
	skipped := 0
	for i := range facilities {
		if sampler.capReached(len(queue)) {
			break
		}
		facility := &facilities[i]
		pointer := tree.Find(orb.Point{facility.Lon, facility.Lat})
		if pointer == nil {
			skipped++
			continue
		}
		destination := pointer.(nodePointer).RoadNode
		candidates := make([]*RoadNode, 0, len(intersections))
		for _, node := range intersections {
			if node.ID == destination.ID {
				continue
			}
			if greatCircleDistance(node.GeoPoint(), facility.GeoPoint())*1000.0 >= minDistanceMeters {
				candidates = append(candidates, node)
			}
		}
		if len(candidates) == 0 {
			skipped++
			continue
		}
		n := sampler.originsPerFacility
		if n > len(candidates) {
			n = len(candidates)
		}
		for _, idx := range rnd.Perm(len(candidates))[:n] {
			if sampler.capReached(len(queue)) {
				break
			}
			origin := candidates[idx]
			task, ok := sampler.sampleTask(origin, destination)
			if !ok {
				continue
			}
			task.DestCoords = facility.GeoPoint().LatLon()
			task.Facility = &FacilityRef{
				ID:                 facility.ID,
				Name:               facility.Name,
				City:               facility.City,
				StraightLineMeters: math.Round(task.StraightLineMeters()*10) / 10,
			}
			queue = append(queue, task)
		}
	}
	if sampler.verbose {
		fmt.Printf("Done in %v\n\tRoutes: %d\n\tSkipped facilities: %d\n", time.Since(st), len(queue), skipped)
	}
	return queue, nil
}
