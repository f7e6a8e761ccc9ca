package roadspeed

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/osm"
	"github.com/paulmach/osm/osmpbf"
	"github.com/paulmach/osm/osmxml"
	"github.com/pkg/errors"
)

// OSMScanner is common interface of XML and PBF scanners
type OSMScanner interface {
	Scan() bool
	Close() error
	Err() error
	Object() osm.Object
}

var (
	mphRegExp   = regexp.MustCompile(`\d+\.?\d* mph`)
	kmhRegExp   = regexp.MustCompile(`\d+\.?\d* km/h`)
	plainRegExp = regexp.MustCompile(`^\d+\.?\d*$`)
)

// wayData is filtered OSM way
type wayData struct {
	ID         osm.WayID
	Nodes      []osm.NodeID
	Oneway     bool
	IsReversed bool
	Name       string
	Highway    string
	MaxSpeed   float64
}

// nodeData is OSM node referenced by filtered ways
type nodeData struct {
	ID       osm.NodeID
	Lat      float64
	Lon      float64
	useCount int
}

func newScanner(filename string, file *os.File) (OSMScanner, error) {
	ext := filepath.Ext(filename)
	switch ext {
	case ".osm", ".xml":
		return osmxml.New(context.Background(), file), nil
	case ".pbf", ".osm.pbf":
		return osmpbf.New(context.Background(), file, 4), nil
	default:
		return nil, fmt.Errorf("File extension '%s' for file '%s' is not handled yet", ext, filename)
	}
}

// parseOneway returns oneway flag and whether direction is opposite to nodes order
func parseOneway(tags osm.Tags, wayID osm.WayID, verbose bool) (bool, bool) {
	onewayText := tags.Find("oneway")
	switch onewayText {
	case "yes", "1", "true":
		return true, false
	case "no", "0", "false":
		return false, false
	case "-1":
		return true, true
	case "":
		if _, ok := junctionTypes[tags.Find("junction")]; ok {
			return true, false
		}
		return false, false
	default:
		if _, ok := onewayReversible[onewayText]; !ok && verbose {
			fmt.Printf("[WARNING]: Unhandled `oneway` tag value has been met: '%s'. Way ID: '%d'\n", onewayText, wayID)
		}
		return false, false
	}
}

// parseMaxSpeed returns km/h value of maxspeed tag or -1
func parseMaxSpeed(maxSpeed string) float64 {
	maxSpeed = strings.TrimSpace(maxSpeed)
	if maxSpeed == "" {
		return -1
	}
	if kmh := kmhRegExp.FindString(maxSpeed); kmh != "" {
		value, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(kmh, "km/h")), 64)
		if err == nil {
			return value
		}
	}
	if mph := mphRegExp.FindString(maxSpeed); mph != "" {
		value, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(mph, "mph")), 64)
		if err == nil {
			return value * 1.609344
		}
	}
	if plainRegExp.MatchString(maxSpeed) {
		value, err := strconv.ParseFloat(maxSpeed, 64)
		if err == nil {
			return value
		}
	}
	return -1
}

// ImportRoadGraphFromOSM builds road graph from *.osm / *.xml / *.osm.pbf file.
// Ways are split at nodes shared with other ways, two-way roads give two directed segments
func ImportRoadGraphFromOSM(filename string, cfg *OsmConfiguration, verbose bool) (*RoadGraph, error) {
	if cfg == nil {
		cfg = DefaultOsmConfiguration()
	}
	if verbose {
		fmt.Printf("Opening file: '%s'...\n", filename)
	}
	file, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrap(err, "File open")
	}
	defer file.Close()

	/* Process ways */
	if verbose {
		fmt.Printf("\tProcessing ways... ")
	}
	st := time.Now()
	ways := []*wayData{}
	nodesSeen := make(map[osm.NodeID]struct{})
	{
		scannerWays, err := newScanner(filename, file)
		if err != nil {
			return nil, err
		}
		defer scannerWays.Close()
		for scannerWays.Scan() {
			obj := scannerWays.Object()
			if obj.ObjectID().Type() != "way" {
				continue
			}
			way := obj.(*osm.Way)
			highway := way.Tags.Find(cfg.EntityName)
			if highway == "" || !cfg.CheckTag(highway) {
				continue
			}
			if way.Tags.Find("area") == "yes" {
				continue
			}
			oneway, reversed := parseOneway(way.Tags, way.ID, verbose)
			prepared := &wayData{
				ID:         way.ID,
				Nodes:      make([]osm.NodeID, 0, len(way.Nodes)),
				Oneway:     oneway,
				IsReversed: reversed,
				Name:       way.Tags.Find("name"),
				Highway:    highway,
				MaxSpeed:   parseMaxSpeed(way.Tags.Find("maxspeed")),
			}
			for _, node := range way.Nodes {
				nodesSeen[node.ID] = struct{}{}
				prepared.Nodes = append(prepared.Nodes, node.ID)
			}
			ways = append(ways, prepared)
		}
		if err := scannerWays.Err(); err != nil {
			return nil, errors.Wrap(err, "Scanner error on Ways")
		}
	}
	if verbose {
		fmt.Printf("Done in %v\n\tWays: %d\n", time.Since(st), len(ways))
	}

	// Seek file to start
	_, err = file.Seek(0, io.SeekStart)
	if err != nil {
		return nil, errors.Wrap(err, "Can't repeat seeking after ways scanning")
	}

	/* Process nodes */
	if verbose {
		fmt.Printf("\tProcessing nodes... ")
	}
	st = time.Now()
	nodes := make(map[osm.NodeID]*nodeData)
	{
		scannerNodes, err := newScanner(filename, file)
		if err != nil {
			return nil, err
		}
		defer scannerNodes.Close()
		for scannerNodes.Scan() {
			obj := scannerNodes.Object()
			if obj.ObjectID().Type() != "node" {
				continue
			}
			node := obj.(*osm.Node)
			if _, ok := nodesSeen[node.ID]; ok {
				delete(nodesSeen, node.ID)
				nodes[node.ID] = &nodeData{
					ID:  node.ID,
					Lat: node.Lat,
					Lon: node.Lon,
				}
			}
		}
		if err := scannerNodes.Err(); err != nil {
			return nil, errors.Wrap(err, "Scanner error on Nodes")
		}
	}
	if verbose {
		fmt.Printf("Done in %v\n\tNodes: %d\n", time.Since(st), len(nodes))
	}

	return buildRoadGraph(ways, nodes, cfg, verbose)
}

func buildRoadGraph(ways []*wayData, nodes map[osm.NodeID]*nodeData, cfg *OsmConfiguration, verbose bool) (*RoadGraph, error) {
	if verbose {
		fmt.Printf("\tCounting node use cases... ")
	}
	st := time.Now()
	missing := 0
	for _, way := range ways {
		present := way.Nodes[:0]
		for _, nodeID := range way.Nodes {
			if _, ok := nodes[nodeID]; ok {
				present = append(present, nodeID)
			} else {
				missing++
			}
		}
		way.Nodes = present
		for i, nodeID := range way.Nodes {
			if i == 0 || i == len(way.Nodes)-1 {
				nodes[nodeID].useCount += 2
			} else {
				nodes[nodeID].useCount++
			}
		}
	}
	if verbose {
		fmt.Printf("Done in %v\n", time.Since(st))
		if missing > 0 {
			fmt.Printf("\t[WARNING]: %d way nodes are missing in file and have been skipped\n", missing)
		}
		fmt.Printf("\tPreparing segments... ")
	}
	st = time.Now()
	builder := NewRoadGraphBuilder()
	for _, way := range ways {
		if len(way.Nodes) < 2 {
			continue
		}
		speedLimit := way.MaxSpeed
		if speedLimit <= 0 {
			speedLimit = cfg.DefaultSpeed(way.Highway)
		}
		source := way.Nodes[0]
		geometry := orb.LineString{{nodes[source].Lon, nodes[source].Lat}}
		for i := 1; i < len(way.Nodes); i++ {
			node := nodes[way.Nodes[i]]
			geometry = append(geometry, orb.Point{node.Lon, node.Lat})
			if node.useCount <= 1 {
				continue
			}
			if source != node.ID {
				err := addWaySegments(builder, way, nodes[source], node, geometry, speedLimit)
				if err != nil {
					return nil, errors.Wrapf(err, "Can't add segments of way %d", way.ID)
				}
			}
			source = node.ID
			geometry = orb.LineString{{node.Lon, node.Lat}}
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

func addWaySegments(builder *RoadGraphBuilder, way *wayData, source, target *nodeData, geometry orb.LineString, speedLimit float64) error {
	builder.AddNode(int64(source.ID), source.Lat, source.Lon)
	builder.AddNode(int64(target.ID), target.Lat, target.Lon)
	forward := RoadSegment{
		OSMWayID:     int64(way.ID),
		SourceNodeID: int64(source.ID),
		TargetNodeID: int64(target.ID),
		Name:         way.Name,
		Class:        way.Highway,
		Oneway:       way.Oneway,
		SpeedLimit:   speedLimit,
		Geom:         append(orb.LineString{}, geometry...),
	}
	backward := forward
	backward.SourceNodeID, backward.TargetNodeID = forward.TargetNodeID, forward.SourceNodeID
	backward.Geom = append(orb.LineString{}, geometry...)
	backward.Geom.Reverse()

	switch {
	case way.Oneway && way.IsReversed:
		_, err := builder.AddSegment(backward)
		return err
	case way.Oneway:
		_, err := builder.AddSegment(forward)
		return err
	default:
		if _, err := builder.AddSegment(forward); err != nil {
			return err
		}
		_, err := builder.AddSegment(backward)
		return err
	}
}
