package roadspeed

// HighwayType is value of OSM 'highway' tag
type HighwayType uint16

const (
	HIGHWAY_MOTORWAY = HighwayType(iota + 1)
	HIGHWAY_MOTORWAY_LINK
	HIGHWAY_TRUNK
	HIGHWAY_TRUNK_LINK
	HIGHWAY_PRIMARY
	HIGHWAY_PRIMARY_LINK
	HIGHWAY_SECONDARY
	HIGHWAY_SECONDARY_LINK
	HIGHWAY_TERTIARY
	HIGHWAY_TERTIARY_LINK
	HIGHWAY_RESIDENTIAL
	HIGHWAY_LIVING_STREET
	HIGHWAY_SERVICE
	HIGHWAY_TRACK
	HIGHWAY_UNCLASSIFIED
	HIGHWAY_ROAD
)

func (iotaIdx HighwayType) String() string {
	if iotaIdx < HIGHWAY_MOTORWAY || iotaIdx > HIGHWAY_ROAD {
		return "undefined"
	}
	return [...]string{"motorway", "motorway_link", "trunk", "trunk_link", "primary", "primary_link", "secondary", "secondary_link", "tertiary", "tertiary_link", "residential", "living_street", "service", "track", "unclassified", "road"}[iotaIdx-1]
}

// IsLink returns true for ramps
func (iotaIdx HighwayType) IsLink() bool {
	switch iotaIdx {
	case HIGHWAY_MOTORWAY_LINK, HIGHWAY_TRUNK_LINK, HIGHWAY_PRIMARY_LINK, HIGHWAY_SECONDARY_LINK, HIGHWAY_TERTIARY_LINK:
		return true
	default:
		return false
	}
}

func getHighwayType(str string) HighwayType {
	if found, ok := highwaysTypes[str]; ok {
		return found
	}
	return 0
}

var (
	highwaysTypes = map[string]HighwayType{
		"motorway":       HIGHWAY_MOTORWAY,
		"motorway_link":  HIGHWAY_MOTORWAY_LINK,
		"trunk":          HIGHWAY_TRUNK,
		"trunk_link":     HIGHWAY_TRUNK_LINK,
		"primary":        HIGHWAY_PRIMARY,
		"primary_link":   HIGHWAY_PRIMARY_LINK,
		"secondary":      HIGHWAY_SECONDARY,
		"secondary_link": HIGHWAY_SECONDARY_LINK,
		"tertiary":       HIGHWAY_TERTIARY,
		"tertiary_link":  HIGHWAY_TERTIARY_LINK,
		"residential":    HIGHWAY_RESIDENTIAL,
		"living_street":  HIGHWAY_LIVING_STREET,
		"service":        HIGHWAY_SERVICE,
		"track":          HIGHWAY_TRACK,
		"unclassified":   HIGHWAY_UNCLASSIFIED,
		"road":           HIGHWAY_ROAD,
	}

	// km/h, links inherit speed of their parent class
	defaultSpeedByHighway = map[HighwayType]float64{
		HIGHWAY_MOTORWAY:      120,
		HIGHWAY_TRUNK:         100,
		HIGHWAY_PRIMARY:       80,
		HIGHWAY_SECONDARY:     60,
		HIGHWAY_TERTIARY:      40,
		HIGHWAY_RESIDENTIAL:   30,
		HIGHWAY_LIVING_STREET: 20,
		HIGHWAY_SERVICE:       30,
		HIGHWAY_TRACK:         30,
		HIGHWAY_UNCLASSIFIED:  30,
		HIGHWAY_ROAD:          30,
	}

	parentByLink = map[HighwayType]HighwayType{
		HIGHWAY_MOTORWAY_LINK:  HIGHWAY_MOTORWAY,
		HIGHWAY_TRUNK_LINK:     HIGHWAY_TRUNK,
		HIGHWAY_PRIMARY_LINK:   HIGHWAY_PRIMARY,
		HIGHWAY_SECONDARY_LINK: HIGHWAY_SECONDARY,
		HIGHWAY_TERTIARY_LINK:  HIGHWAY_TERTIARY,
	}

	junctionTypes = map[string]struct{}{
		"circular":   {},
		"roundabout": {},
	}

	onewayReversible = map[string]struct{}{
		"reversible":  {},
		"alternating": {},
	}
)

// defaultSpeed returns speed limit for highway class or fallback value for unknown ones
func defaultSpeed(highway string, fallback float64) float64 {
	highwayType := getHighwayType(highway)
	if parent, ok := parentByLink[highwayType]; ok {
		highwayType = parent
	}
	if speed, ok := defaultSpeedByHighway[highwayType]; ok {
		return speed
	}
	return fallback
}
