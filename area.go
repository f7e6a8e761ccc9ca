package roadspeed

import (
	"fmt"
	"sort"

	"github.com/paulmach/orb"
)

// Bounds is lat/lon rectangle of study area
type Bounds struct {
	MinLat float64 `yaml:"min_lat"`
	MaxLat float64 `yaml:"max_lat"`
	MinLon float64 `yaml:"min_lon"`
	MaxLon float64 `yaml:"max_lon"`
}

// Bound returns rectangle in orb (lon, lat) order
func (bounds Bounds) Bound() orb.Bound {
	return orb.Bound{
		Min: orb.Point{bounds.MinLon, bounds.MinLat},
		Max: orb.Point{bounds.MaxLon, bounds.MaxLat},
	}
}

// Validate checks that rectangle is not empty and fits into lat/lon ranges
func (bounds Bounds) Validate() error {
	if bounds.MinLat >= bounds.MaxLat || bounds.MinLon >= bounds.MaxLon {
		return fmt.Errorf("Empty bounds: lat [%f, %f], lon [%f, %f]", bounds.MinLat, bounds.MaxLat, bounds.MinLon, bounds.MaxLon)
	}
	if bounds.MinLat < -90 || bounds.MaxLat > 90 || bounds.MinLon < -180 || bounds.MaxLon > 180 {
		return fmt.Errorf("Bounds out of range: lat [%f, %f], lon [%f, %f]", bounds.MinLat, bounds.MaxLat, bounds.MinLon, bounds.MaxLon)
	}
	return nil
}

// Area is named part of road network sampled on its own
type Area struct {
	ID     string `yaml:"-"`
	Name   string `yaml:"name"`
	Bounds Bounds `yaml:"bounds"`
}

// Label returns human readable name, ID when name is empty
func (area Area) Label() string {
	if area.Name != "" {
		return area.Name
	}
	return area.ID
}

// AreaGraphs crops graph for every area. Areas without nodes are reported in skipped
func AreaGraphs(graph *RoadGraph, areas []Area) (graphs map[string]*RoadGraph, skipped []string) {
	graphs = make(map[string]*RoadGraph, len(areas))
	for _, area := range areas {
		sub, err := graph.Within(area.Bounds.Bound())
		if err != nil {
			skipped = append(skipped, area.ID)
			continue
		}
		graphs[area.ID] = sub
	}
	return graphs, skipped
}

func sortedAreas(areas map[string]Area) []Area {
	list := make([]Area, 0, len(areas))
	for id, area := range areas {
		area.ID = id
		list = append(list, area)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].ID < list[j].ID
	})
	return list
}
