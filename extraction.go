package roadspeed

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// ExtractionMethod is extraction tier which produced result
type ExtractionMethod uint16

const (
	METHOD_RESPONSE_CAPTURE = ExtractionMethod(iota + 1)
	METHOD_PAGE_STATE
	METHOD_RENDERED_TEXT
)

func (iotaIdx ExtractionMethod) String() string {
	if iotaIdx < METHOD_RESPONSE_CAPTURE || iotaIdx > METHOD_RENDERED_TEXT {
		return "undefined"
	}
	return [...]string{"response_capture", "page_state", "rendered_text"}[iotaIdx-1]
}

// MarshalText implements encoding.TextMarshaler
func (iotaIdx ExtractionMethod) MarshalText() ([]byte, error) {
	return []byte(iotaIdx.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (iotaIdx *ExtractionMethod) UnmarshalText(text []byte) error {
	switch string(text) {
	case "response_capture":
		*iotaIdx = METHOD_RESPONSE_CAPTURE
	case "page_state":
		*iotaIdx = METHOD_PAGE_STATE
	case "rendered_text":
		*iotaIdx = METHOD_RENDERED_TEXT
	default:
		return fmt.Errorf("Unknown extraction method '%s'", string(text))
	}
	return nil
}

// TextValue is measurement as shown by mapped service and its numeric value (seconds or meters)
type TextValue struct {
	Text  string  `json:"text"`
	Value float64 `json:"value"`
}

// ExtractionResult is travel-time measurement of single route
type ExtractionResult struct {
	Duration          TextValue        `json:"duration"`
	DurationInTraffic TextValue        `json:"duration_in_traffic"`
	Distance          TextValue        `json:"distance"`
	Method            ExtractionMethod `json:"method"`
	ExtractedAt       time.Time        `json:"extracted_at"`
	// TrafficAware is false when duration_in_traffic was absent and copied from duration
	TrafficAware bool `json:"traffic_aware"`
	// TrafficBelowFreeFlow flags duration_in_traffic < duration
	TrafficBelowFreeFlow bool `json:"traffic_below_free_flow,omitempty"`
}

// flagAnomalies marks traffic duration shorter than free-flow one. Such results are kept
func (result *ExtractionResult) flagAnomalies() {
	result.TrafficBelowFreeFlow = result.DurationInTraffic.Value < result.Duration.Value
}

// payloadParser extracts result from one known shape of directions payload
type payloadParser struct {
	name     string
	routesAt string
}

// Known payload shapes in priority order
var payloadParsers = []payloadParser{
	{name: "routes", routesAt: "routes"},
	{name: "data.routes", routesAt: "data.routes"},
}

// parse returns nil when payload does not have expected shape
func (parser payloadParser) parse(payload []byte) *ExtractionResult {
	routes := gjson.GetBytes(payload, parser.routesAt)
	if !routes.IsArray() || len(routes.Array()) == 0 {
		return nil
	}
	leg := routes.Get("0.legs.0")
	if !leg.Exists() {
		return nil
	}
	duration := leg.Get("duration")
	distance := leg.Get("distance")
	if !duration.Exists() || !distance.Exists() {
		return nil
	}
	result := &ExtractionResult{
		Duration: TextValue{Text: duration.Get("text").String(), Value: duration.Get("value").Float()},
		Distance: TextValue{Text: distance.Get("text").String(), Value: distance.Get("value").Float()},
	}
	if inTraffic := leg.Get("duration_in_traffic"); inTraffic.Exists() {
		result.DurationInTraffic = TextValue{Text: inTraffic.Get("text").String(), Value: inTraffic.Get("value").Float()}
		result.TrafficAware = true
	} else {
		result.DurationInTraffic = result.Duration
	}
	if result.DurationInTraffic.Value <= 0 || result.Distance.Value <= 0 {
		return nil
	}
	result.flagAnomalies()
	return result
}

// parseDirectionsPayload tries every known payload shape in order, first match wins
func parseDirectionsPayload(payload []byte) *ExtractionResult {
	if !gjson.ValidBytes(payload) {
		return nil
	}
	for _, parser := range payloadParsers {
		if result := parser.parse(payload); result != nil {
			return result
		}
	}
	return nil
}

var (
	hoursRe      = regexp.MustCompile(`(?i)(\d+)\s*(?:hours?|hrs?|h|jam)\b`)
	minutesRe    = regexp.MustCompile(`(?i)(\d+)\s*(?:minutes?|mins?|menit|mnt|m)\b`)
	distanceRe   = regexp.MustCompile(`(?i)(\d+(?:[.,]\d+)?)\s*(km|m)\b`)
	rangeSplitRe = regexp.MustCompile(`\s*[-–]\s*`)
)

// parseDurationText converts "25 min", "1 hr 30 min", "1 jam 5 mnt" to seconds. Zero when nothing is recognized
func parseDurationText(text string) float64 {
	total := 0.0
	if match := hoursRe.FindStringSubmatch(text); match != nil {
		v, err := strconv.Atoi(match[1])
		if err == nil {
			total += float64(v) * 3600
		}
	}
	if match := minutesRe.FindStringSubmatch(text); match != nil {
		v, err := strconv.Atoi(match[1])
		if err == nil {
			total += float64(v) * 60
		}
	}
	return total
}

// parseDistanceText converts "12.5 km", "12,5 km", "500 m" to meters. Zero when nothing is recognized
func parseDistanceText(text string) float64 {
	match := distanceRe.FindStringSubmatch(text)
	if match == nil {
		return 0
	}
	v, err := strconv.ParseFloat(strings.Replace(match[1], ",", ".", 1), 64)
	if err != nil {
		return 0
	}
	if strings.EqualFold(match[2], "km") {
		return math.Round(v * 1000)
	}
	return v
}

// parseRenderedText builds result from visible duration and distance labels.
// Traffic range "20-35 min" gives lower bound as free-flow duration and upper bound as duration in traffic
func parseRenderedText(durationText, distanceText string) *ExtractionResult {
	durationText = strings.TrimSpace(durationText)
	distanceText = strings.TrimSpace(distanceText)
	if durationText == "" || distanceText == "" {
		return nil
	}
	distance := parseDistanceText(distanceText)
	if distance <= 0 {
		return nil
	}
	result := &ExtractionResult{
		Distance: TextValue{Text: distanceText, Value: distance},
	}
	bounds := rangeSplitRe.Split(durationText, 2)
	if len(bounds) == 2 {
		upper := parseDurationText(bounds[1])
		lower := parseDurationText(bounds[0])
		if lower == 0 {
			// "20-35 min" carries unit on upper bound only
			lower = parseDurationText(bounds[0] + " " + strings.TrimLeft(bounds[1], "0123456789 "))
		}
		if upper <= 0 {
			return nil
		}
		if lower <= 0 {
			lower = upper
		}
		result.Duration = TextValue{Text: durationText, Value: lower}
		result.DurationInTraffic = TextValue{Text: durationText, Value: upper}
		result.TrafficAware = true
	} else {
		value := parseDurationText(durationText)
		if value <= 0 {
			return nil
		}
		result.Duration = TextValue{Text: durationText, Value: value}
		result.DurationInTraffic = result.Duration
	}
	result.flagAnomalies()
	return result
}
