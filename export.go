package roadspeed

import (
	"encoding/csv"
	"fmt"
	"os"
	"strings"

	"github.com/paulmach/orb"
	geojson "github.com/paulmach/go.geojson"
	"github.com/pkg/errors"
)

// GeomFormat is geometry encoding of exported rows
type GeomFormat uint16

const (
	GEOM_WKT = GeomFormat(iota + 1)
	GEOM_GEOJSON
)

func (iotaIdx GeomFormat) String() string {
	if iotaIdx < GEOM_WKT || iotaIdx > GEOM_GEOJSON {
		return "undefined"
	}
	return [...]string{"wkt", "geojson"}[iotaIdx-1]
}

// ParseGeomFormat returns geometry format for given label
func ParseGeomFormat(str string) (GeomFormat, error) {
	switch strings.ToLower(strings.TrimSpace(str)) {
	case "wkt":
		return GEOM_WKT, nil
	case "geojson":
		return GEOM_GEOJSON, nil
	default:
		return 0, fmt.Errorf("Unknown geometry format '%s'. Expected values: wkt / geojson", str)
	}
}

// ExportRow is aggregated speed joined with road segment attributes
type ExportRow struct {
	AggregatedSegmentSpeed
	OSMWayID     int64
	Name         string
	RoadType     string
	Oneway       bool
	LengthMeters float64
	SpeedLimit   float64
	Geom         orb.LineString
}

// JoinSegmentSpeeds attaches segment attributes to rows. Rows of unknown segments are dropped
func JoinSegmentSpeeds(graph *RoadGraph, rows []AggregatedSegmentSpeed) []ExportRow {
	joined := make([]ExportRow, 0, len(rows))
	for _, row := range rows {
		segment, ok := graph.Segment(row.RoadID)
		if !ok {
			continue
		}
		joined = append(joined, ExportRow{
			AggregatedSegmentSpeed: row,
			OSMWayID:               segment.OSMWayID,
			Name:                   segment.Name,
			RoadType:               segment.Class,
			Oneway:                 segment.Oneway,
			LengthMeters:           segment.LengthMeters,
			SpeedLimit:             segment.SpeedLimit,
			Geom:                   segment.Geom,
		})
	}
	return joined
}

func onewayLabel(oneway bool) string {
	if oneway {
		return "yes"
	}
	return "no"
}

// ExportCSV writes rows as ';'-separated file with geometry in given format
func ExportCSV(fname string, rows []ExportRow, geomFormat GeomFormat) error {
	file, err := os.Create(fname)
	if err != nil {
		return errors.Wrap(err, "Can't create file")
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()
	writer.Comma = ';'

	err = writer.Write([]string{"road_id", "time_window", "avg_speed_kmh", "quality_flag", "observations", "osm_way_id", "name", "road_type", "oneway", "length_m", "speed_limit", "centroid_lon", "centroid_lat", "geom"})
	if err != nil {
		return errors.Wrap(err, "Can't write header")
	}

	for _, row := range rows {
		geom := ""
		switch geomFormat {
		case GEOM_GEOJSON:
			geom = PrepareGeoJSONLinestring(row.Geom)
		default:
			geom = PrepareWKTLinestring(row.Geom)
		}
		centroid := findCentroid(row.Geom)
		err = writer.Write([]string{
			fmt.Sprintf("%d", row.RoadID),
			row.TimeWindow.String(),
			fmt.Sprintf("%.2f", row.AvgSpeedKmh),
			row.QualityFlag.String(),
			fmt.Sprintf("%d", row.Observations),
			fmt.Sprintf("%d", row.OSMWayID),
			row.Name,
			row.RoadType,
			onewayLabel(row.Oneway),
			fmt.Sprintf("%.2f", row.LengthMeters),
			fmt.Sprintf("%.0f", row.SpeedLimit),
			fmt.Sprintf("%f", centroid.Lon),
			fmt.Sprintf("%f", centroid.Lat),
			geom,
		})
		if err != nil {
			return errors.Wrap(err, "Can't write row")
		}
	}
	writer.Flush()
	return errors.Wrap(writer.Error(), "Can't flush rows")
}

// ExportGeoJSON writes one feature per segment with speed of every window as properties
func ExportGeoJSON(fname string, rows []ExportRow) error {
	aggregated := make([]AggregatedSegmentSpeed, len(rows))
	attributes := make(map[SegmentID]ExportRow, len(rows))
	for i, row := range rows {
		aggregated[i] = row.AggregatedSegmentSpeed
		attributes[row.RoadID] = row
	}
	collection := geojson.NewFeatureCollection()
	for _, profile := range Profiles(aggregated) {
		row := attributes[profile.RoadID]
		feature := geojson.NewLineStringFeature(lineCoordinates(row.Geom))
		feature.SetProperty("road_id", int64(profile.RoadID))
		feature.SetProperty("osm_way_id", row.OSMWayID)
		feature.SetProperty("road_name", row.Name)
		feature.SetProperty("road_type", row.RoadType)
		feature.SetProperty("oneway", onewayLabel(row.Oneway))
		feature.SetProperty("length_m", round2(row.LengthMeters))
		feature.SetProperty("spd_pk_am", profile.PeakAM)
		feature.SetProperty("spd_offpk", profile.OffPeak)
		feature.SetProperty("spd_pk_pm", profile.PeakPM)
		if row.SpeedLimit > 0 {
			feature.SetProperty("spd_limit", row.SpeedLimit)
		} else {
			feature.SetProperty("spd_limit", nil)
		}
		for window, flag := range profile.Flags {
			feature.SetProperty("flag_"+window.String(), flag.String())
		}
		collection.AddFeature(feature)
	}
	return writeFeatureCollection(fname, collection)
}

// ExportGraphCSV writes road graph as two files: <fname>_nodes.csv and <fname>_segments.csv
func ExportGraphCSV(graph *RoadGraph, fname string) error {
	fnameParts := strings.Split(fname, ".csv")
	fnameNodes := fnameParts[0] + "_nodes.csv"
	fnameSegments := fnameParts[0] + "_segments.csv"

	err := exportNodesToCSV(graph, fnameNodes)
	if err != nil {
		return errors.Wrap(err, "Can't export nodes")
	}
	err = exportSegmentsToCSV(graph, fnameSegments)
	if err != nil {
		return errors.Wrap(err, "Can't export segments")
	}
	return nil
}

func exportNodesToCSV(graph *RoadGraph, fname string) error {
	file, err := os.Create(fname)
	if err != nil {
		return errors.Wrap(err, "Can't create file")
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()
	writer.Comma = ';'

	err = writer.Write([]string{"id", "degree", "street_count", "is_intersection", "longitude", "latitude", "geom"})
	if err != nil {
		return errors.Wrap(err, "Can't write header")
	}
	for _, node := range graph.Nodes() {
		err = writer.Write([]string{
			fmt.Sprintf("%d", node.ID),
			fmt.Sprintf("%d", node.Degree),
			fmt.Sprintf("%d", node.StreetCount),
			fmt.Sprintf("%t", node.IsIntersection()),
			fmt.Sprintf("%f", node.Lon),
			fmt.Sprintf("%f", node.Lat),
			PrepareWKTPoint(node.GeoPoint()),
		})
		if err != nil {
			return errors.Wrap(err, "Can't write node")
		}
	}
	return nil
}

func exportSegmentsToCSV(graph *RoadGraph, fname string) error {
	file, err := os.Create(fname)
	if err != nil {
		return errors.Wrap(err, "Can't create file")
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()
	writer.Comma = ';'

	err = writer.Write([]string{"id", "source_node", "target_node", "osm_way_id", "name", "road_type", "oneway", "length_m", "speed_limit", "geom"})
	if err != nil {
		return errors.Wrap(err, "Can't write header")
	}
	for _, segment := range graph.Segments() {
		err = writer.Write([]string{
			fmt.Sprintf("%d", segment.ID),
			fmt.Sprintf("%d", segment.SourceNodeID),
			fmt.Sprintf("%d", segment.TargetNodeID),
			fmt.Sprintf("%d", segment.OSMWayID),
			segment.Name,
			segment.Class,
			onewayLabel(segment.Oneway),
			fmt.Sprintf("%f", segment.LengthMeters),
			fmt.Sprintf("%f", segment.SpeedLimit),
			PrepareWKTLinestring(segment.Geom),
		})
		if err != nil {
			return errors.Wrap(err, "Can't write segment")
		}
	}
	return nil
}
