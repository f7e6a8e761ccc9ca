package roadspeed

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

// LoadRoadGraphJSON reads node-link JSON graph (as produced by networkx / osmnx).
// Attributes may be scalars or arrays (merged ways): the first element is used then
func LoadRoadGraphJSON(filename string, verbose bool) (*RoadGraph, error) {
	if verbose {
		fmt.Printf("Loading node-link graph: '%s'... ", filename)
	}
	st := time.Now()
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrap(err, "File open")
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("File '%s' is not a valid JSON", filename)
	}
	doc := gjson.ParseBytes(data)
	nodes := doc.Get("nodes")
	if !nodes.IsArray() {
		return nil, fmt.Errorf("File '%s' has no 'nodes' array", filename)
	}
	links := doc.Get("links")
	if !links.Exists() {
		links = doc.Get("edges")
	}

	builder := NewRoadGraphBuilder()
	for i, node := range nodes.Array() {
		id, ok := jsonInt(node.Get("id"))
		if !ok {
			return nil, fmt.Errorf("Node #%d has bad 'id': %s", i, node.Get("id").Raw)
		}
		x, y := node.Get("x"), node.Get("y")
		if !x.Exists() || !y.Exists() {
			return nil, fmt.Errorf("Node %d has no coordinates", id)
		}
		builder.AddNode(id, y.Float(), x.Float())
	}
	for i, link := range links.Array() {
		source, ok := jsonInt(link.Get("source"))
		if !ok {
			return nil, fmt.Errorf("Link #%d has bad 'source': %s", i, link.Get("source").Raw)
		}
		target, ok := jsonInt(link.Get("target"))
		if !ok {
			return nil, fmt.Errorf("Link #%d has bad 'target': %s", i, link.Get("target").Raw)
		}
		if source == target {
			continue
		}
		osmWayID, _ := jsonInt(link.Get("osmid"))
		segment := RoadSegment{
			OSMWayID:     osmWayID,
			SourceNodeID: source,
			TargetNodeID: target,
			Name:         jsonString(link.Get("name")),
			Class:        jsonString(link.Get("highway")),
			Oneway:       jsonBool(link.Get("oneway")),
			LengthMeters: jsonFirst(link.Get("length")).Float(),
			SpeedLimit:   parseMaxSpeed(jsonString(link.Get("maxspeed"))),
		}
		if segment.SpeedLimit <= 0 {
			segment.SpeedLimit = defaultSpeed(segment.Class, 0)
		}
		if geomText := jsonString(link.Get("geometry")); geomText != "" {
			geom, err := wkt.Unmarshal(geomText)
			if err != nil {
				return nil, errors.Wrapf(err, "Link #%d has bad geometry", i)
			}
			if line, ok := geom.(orb.LineString); ok {
				segment.Geom = line
			}
		}
		_, err := builder.AddSegment(segment)
		if err != nil {
			return nil, errors.Wrapf(err, "Can't add link #%d", i)
		}
	}
	graph, err := builder.Build()
	if err != nil {
		return nil, errors.Wrap(err, "Can't build road graph")
	}
	if verbose {
		fmt.Printf("Done in %v\n\t%s\n", time.Since(st), graph)
	}
	return graph, nil
}

func jsonFirst(value gjson.Result) gjson.Result {
	if value.IsArray() {
		items := value.Array()
		if len(items) == 0 {
			return gjson.Result{}
		}
		return items[0]
	}
	return value
}

func jsonInt(value gjson.Result) (int64, bool) {
	value = jsonFirst(value)
	switch value.Type {
	case gjson.Number:
		return value.Int(), true
	case gjson.String:
		id, err := strconv.ParseInt(strings.TrimSpace(value.Str), 10, 64)
		return id, err == nil
	default:
		return 0, false
	}
}

func jsonString(value gjson.Result) string {
	value = jsonFirst(value)
	if value.Type == gjson.Null {
		return ""
	}
	return value.String()
}

func jsonBool(value gjson.Result) bool {
	value = jsonFirst(value)
	switch value.Type {
	case gjson.True:
		return true
	case gjson.String:
		switch strings.ToLower(value.Str) {
		case "true", "yes", "1":
			return true
		}
	}
	return false
}
