package roadspeed

import (
	"strings"
)

// DefaultDriveTags is drivable subset of 'highway' values
var DefaultDriveTags = []string{"motorway", "motorway_link", "trunk", "trunk_link", "primary", "primary_link", "secondary", "secondary_link", "tertiary", "tertiary_link", "residential", "living_street", "unclassified", "road"}

// OsmConfiguration Allows to filter ways by certain tags from OSM data
type OsmConfiguration struct {
	EntityName string // Currrently we support 'highway' only
	Tags       []string
	// DefaultSpeedKmh is speed limit of ways without 'maxspeed' and unknown class
	DefaultSpeedKmh float64
}

// DefaultOsmConfiguration returns configuration for drivable roads
func DefaultOsmConfiguration() *OsmConfiguration {
	return &OsmConfiguration{
		EntityName:      "highway",
		Tags:            append([]string{}, DefaultDriveTags...),
		DefaultSpeedKmh: 30,
	}
}

// NewOsmConfiguration parses comma separated list of tags. Empty string gives default configuration
func NewOsmConfiguration(tagStr string) *OsmConfiguration {
	cfg := DefaultOsmConfiguration()
	tags := []string{}
	for _, tag := range strings.Split(tagStr, ",") {
		tag = strings.TrimSpace(tag)
		if tag != "" {
			tags = append(tags, tag)
		}
	}
	if len(tags) > 0 {
		cfg.Tags = tags
	}
	return cfg
}

// CheckTag Checks if incoming tag is represented in configuration
func (cfg *OsmConfiguration) CheckTag(tag string) bool {
	for i := range cfg.Tags {
		if cfg.Tags[i] == tag {
			return true
		}
	}
	return false
}

// DefaultSpeed returns speed limit for ways without 'maxspeed' tag
func (cfg *OsmConfiguration) DefaultSpeed(highway string) float64 {
	return defaultSpeed(highway, cfg.DefaultSpeedKmh)
}
