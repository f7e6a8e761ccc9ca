package roadspeed

import (
	"encoding/csv"
	"fmt"
	"os"

	"github.com/paulmach/orb"
	geojson "github.com/paulmach/go.geojson"
	"github.com/pkg/errors"
)

// Facility routes are shorter than street segments sampling ones, so duration threshold is lower
const (
	FacilityMinDistanceMeters  = 200.0
	FacilityMinDurationSeconds = 60.0
)

// FacilityRoute is travel time and speed of one origin-facility pair in every window
type FacilityRoute struct {
	OriginNode   int64
	DestNode     int64
	OriginCoords [2]float64 // lat, lon
	DestCoords   [2]float64 // lat, lon
	Facility     FacilityRef
	// DistanceMeters is average over every observation of every window
	DistanceMeters float64
	// Average duration (seconds) and speed (km/h) per window. Windows without observations are absent
	Durations map[TimeWindow]float64
	Speeds    map[TimeWindow]float64
	Geom      orb.LineString
}

type facilityAccumulator struct {
	route        *FacilityRoute
	path         []int64
	distanceSum  float64
	observations int
	durations    map[TimeWindow]float64
	distances    map[TimeWindow]float64
	counts       map[TimeWindow]int
}

func facilityRouteKey(task *RouteTask) string {
	return fmt.Sprintf("%.6f,%.6f;%.6f,%.6f", task.OriginCoords[0], task.OriginCoords[1], task.DestCoords[0], task.DestCoords[1])
}

// AggregateFacilityRoutes groups facility results by origin and destination coordinates.
// Results without facility, shorter than FacilityMinDistanceMeters or FacilityMinDurationSeconds are skipped.
// Geometry is path through graph, straight line when graph is nil or path can't be resolved.
// Routes are ordered by first appearance: windows in daily order, results in stored order
func AggregateFacilityRoutes(graph *RoadGraph, results map[TimeWindow][]ScrapedRoute) []FacilityRoute {
	accumulators := make(map[string]*facilityAccumulator)
	order := []string{}
	for _, window := range AllTimeWindows() {
		for i := range results[window] {
			result := &results[window][i]
			if result.Facility == nil {
				continue
			}
			data := result.ScrapedData
			duration := data.DurationInTraffic.Value
			if duration <= 0 {
				duration = data.Duration.Value
			}
			distance := data.Distance.Value
			if distance < FacilityMinDistanceMeters || duration < FacilityMinDurationSeconds {
				continue
			}
			key := facilityRouteKey(&result.RouteTask)
			acc, ok := accumulators[key]
			if !ok {
				acc = &facilityAccumulator{
					route: &FacilityRoute{
						OriginNode:   result.OriginNode,
						DestNode:     result.DestNode,
						OriginCoords: result.OriginCoords,
						DestCoords:   result.DestCoords,
						Facility:     *result.Facility,
					},
					path:      result.Path,
					durations: make(map[TimeWindow]float64),
					distances: make(map[TimeWindow]float64),
					counts:    make(map[TimeWindow]int),
				}
				accumulators[key] = acc
				order = append(order, key)
			}
			acc.distanceSum += distance
			acc.observations++
			acc.durations[window] += duration
			acc.distances[window] += distance
			acc.counts[window]++
		}
	}
	routes := make([]FacilityRoute, 0, len(order))
	for _, key := range order {
		acc := accumulators[key]
		route := acc.route
		route.DistanceMeters = round2(acc.distanceSum / float64(acc.observations))
		route.Durations = make(map[TimeWindow]float64, len(acc.counts))
		route.Speeds = make(map[TimeWindow]float64, len(acc.counts))
		for window, count := range acc.counts {
			duration := acc.durations[window] / float64(count)
			route.Durations[window] = round2(duration)
			route.Speeds[window] = Speed(duration, acc.distances[window]/float64(count))
		}
		if graph != nil {
			route.Geom = graph.PathGeometry(acc.path)
		}
		if len(route.Geom) < 2 {
			origin := geoPointFromLatLon(route.OriginCoords)
			dest := geoPointFromLatLon(route.DestCoords)
			route.Geom = orb.LineString{{origin.Lon, origin.Lat}, {dest.Lon, dest.Lat}}
		}
		routes = append(routes, *route)
	}
	return routes
}

func formatWindowValue(values map[TimeWindow]float64, window TimeWindow) string {
	if value, ok := values[window]; ok {
		return fmt.Sprintf("%.2f", value)
	}
	return ""
}

// ExportFacilityCSV writes one ';'-separated row per facility route with geometry in given format
func ExportFacilityCSV(fname string, routes []FacilityRoute, geomFormat GeomFormat) error {
	file, err := os.Create(fname)
	if err != nil {
		return errors.Wrap(err, "Can't create file")
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()
	writer.Comma = ';'

	err = writer.Write([]string{"origin_node", "origin_lat", "origin_lon", "facility_id", "dest_facility", "dest_city", "dest_lat", "dest_lon", "dist_m", "dur_pk_am", "dur_offpk", "dur_pk_pm", "spd_pk_am", "spd_offpk", "spd_pk_pm", "geom"})
	if err != nil {
		return errors.Wrap(err, "Can't write header")
	}
	for _, route := range routes {
		geom := ""
		switch geomFormat {
		case GEOM_GEOJSON:
			geom = PrepareGeoJSONLinestring(route.Geom)
		default:
			geom = PrepareWKTLinestring(route.Geom)
		}
		err = writer.Write([]string{
			fmt.Sprintf("%d", route.OriginNode),
			fmt.Sprintf("%f", route.OriginCoords[0]),
			fmt.Sprintf("%f", route.OriginCoords[1]),
			route.Facility.ID,
			route.Facility.Name,
			route.Facility.City,
			fmt.Sprintf("%f", route.DestCoords[0]),
			fmt.Sprintf("%f", route.DestCoords[1]),
			fmt.Sprintf("%.2f", route.DistanceMeters),
			formatWindowValue(route.Durations, WINDOW_PEAK_AM),
			formatWindowValue(route.Durations, WINDOW_OFF_PEAK),
			formatWindowValue(route.Durations, WINDOW_PEAK_PM),
			formatWindowValue(route.Speeds, WINDOW_PEAK_AM),
			formatWindowValue(route.Speeds, WINDOW_OFF_PEAK),
			formatWindowValue(route.Speeds, WINDOW_PEAK_PM),
			geom,
		})
		if err != nil {
			return errors.Wrap(err, "Can't write row")
		}
	}
	writer.Flush()
	return errors.Wrap(writer.Error(), "Can't flush rows")
}

func setWindowProperty(feature *geojson.Feature, name string, values map[TimeWindow]float64, window TimeWindow) {
	if value, ok := values[window]; ok {
		feature.SetProperty(name, value)
	} else {
		feature.SetProperty(name, nil)
	}
}

// ExportFacilityGeoJSON writes one feature per facility route
func ExportFacilityGeoJSON(fname string, routes []FacilityRoute) error {
	collection := geojson.NewFeatureCollection()
	for _, route := range routes {
		feature := geojson.NewLineStringFeature(lineCoordinates(route.Geom))
		feature.SetProperty("origin_node", route.OriginNode)
		feature.SetProperty("origin_lat", route.OriginCoords[0])
		feature.SetProperty("origin_lon", route.OriginCoords[1])
		feature.SetProperty("facility_id", route.Facility.ID)
		feature.SetProperty("dest_facility", route.Facility.Name)
		feature.SetProperty("dest_city", route.Facility.City)
		feature.SetProperty("dest_lat", route.DestCoords[0])
		feature.SetProperty("dest_lon", route.DestCoords[1])
		feature.SetProperty("dist_m", route.DistanceMeters)
		setWindowProperty(feature, "dur_pk_am", route.Durations, WINDOW_PEAK_AM)
		setWindowProperty(feature, "dur_offpk", route.Durations, WINDOW_OFF_PEAK)
		setWindowProperty(feature, "dur_pk_pm", route.Durations, WINDOW_PEAK_PM)
		setWindowProperty(feature, "spd_pk_am", route.Speeds, WINDOW_PEAK_AM)
		setWindowProperty(feature, "spd_offpk", route.Speeds, WINDOW_OFF_PEAK)
		setWindowProperty(feature, "spd_pk_pm", route.Speeds, WINDOW_PEAK_PM)
		collection.AddFeature(feature)
	}
	return writeFeatureCollection(fname, collection)
}

// ExportQueuePreviewGeoJSON writes route queue as path lines for visual check before collection
func ExportQueuePreviewGeoJSON(fname string, graph *RoadGraph, tasks []RouteTask) error {
	collection := geojson.NewFeatureCollection()
	for i := range tasks {
		task := &tasks[i]
		line := graph.PathGeometry(task.Path)
		if len(line) < 2 {
			continue
		}
		feature := geojson.NewLineStringFeature(lineCoordinates(line))
		feature.SetProperty("route_idx", i)
		feature.SetProperty("origin_node", task.OriginNode)
		feature.SetProperty("dest_node", task.DestNode)
		feature.SetProperty("road_id", int64(task.RoadID))
		feature.SetProperty("straight_m", round2(task.StraightLineMeters()))
		if task.Facility != nil {
			feature.SetProperty("facility_id", task.Facility.ID)
			feature.SetProperty("dest_facility", task.Facility.Name)
		}
		collection.AddFeature(feature)
	}
	return writeFeatureCollection(fname, collection)
}

func writeFeatureCollection(fname string, collection *geojson.FeatureCollection) error {
	data, err := collection.MarshalJSON()
	if err != nil {
		return errors.Wrap(err, "Can't encode feature collection")
	}
	err = os.WriteFile(fname, data, 0644)
	if err != nil {
		return errors.Wrap(err, "Can't write file")
	}
	return nil
}
