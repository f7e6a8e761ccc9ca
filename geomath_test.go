package roadspeed

import (
	"testing"

	"github.com/paulmach/orb"
)

func TestGreatCircleDistance(t *testing.T) {
	p1 := GeoPoint{
		Lon: 37.6417350769043,
		Lat: 55.751849391735284,
	}
	p2 := GeoPoint{
		Lon: 37.668514251708984,
		Lat: 55.73261980350401,
	}
	res := 2.71693096539 // kilometers
	gcd := greatCircleDistance(p1, p2)
	if Round(gcd, 0.0005) != Round(res, 0.0005) {
		t.Errorf("Great circle dist must be %f, but got %f", res, gcd)
	}
}

func Round(x, unit float64) float64 {
	if x > 0 {
		return float64(int64(x/unit+0.5)) * unit
	}
	return float64(int64(x/unit-0.5)) * unit
}

func TestFindCentroid(t *testing.T) {
	line := orb.LineString{
		{37.396747, 55.8321},
		{37.397111, 55.831987},
		{37.397222, 55.831927},
		{37.397322, 55.831851},
		{37.397384, 55.83177},
		{37.397415, 55.831684},
		{37.397407, 55.831605},
		{37.397363, 55.831525},
		{37.397283, 55.83144},
		{37.39717, 55.831367},
		{37.397001, 55.831313},
		{37.39682, 55.831286},
		{37.39662, 55.83129},
		{37.396464, 55.831311},
		{37.396345, 55.831346},
		{37.396202, 55.83141},
		{37.396123, 55.831459},
		{37.396059, 55.831517},
		{37.396013, 55.831591},
		{37.395989, 55.831674},
	}
	centroid := findCentroid(line)
	correctCentroid := GeoPoint{Lon: 37.39680299905517, Lat: 55.83157265108678}
	if correctCentroid.Lon != centroid.Lon {
		t.Errorf("Correct centroid longitude should be %f, but got %f", correctCentroid.Lon, centroid.Lon)
	}
	if correctCentroid.Lat != centroid.Lat {
		t.Errorf("Correct centroid latitude should be %f, but got %f", correctCentroid.Lat, centroid.Lat)
	}
}

func TestFindCentroidDegenerate(t *testing.T) {
	if c := findCentroid(nil); c != (GeoPoint{}) {
		t.Errorf("Centroid of empty line should be zero point, but got %v", c)
	}
	single := orb.LineString{{106.77, -6.225}}
	c := findCentroid(single)
	if c.Lon != 106.77 || c.Lat != -6.225 {
		t.Errorf("Centroid of single point line should be the point itself, but got %v", c)
	}
}

func TestLatLonPair(t *testing.T) {
	pt := GeoPoint{Lat: -6.225, Lon: 106.77}
	pair := pt.LatLon()
	if pair[0] != -6.225 || pair[1] != 106.77 {
		t.Errorf("LatLon should be [lat, lon], but got %v", pair)
	}
	if back := geoPointFromLatLon(pair); back != pt {
		t.Errorf("Round trip should give %v, but got %v", pt, back)
	}
}
