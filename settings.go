package roadspeed

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ClockWindow is "HH:MM" bounds of time window
type ClockWindow struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// Schedule converts clock bounds to WindowSchedule
func (clock ClockWindow) Schedule() (WindowSchedule, error) {
	start, err := parseClock(clock.Start)
	if err != nil {
		return WindowSchedule{}, errors.Wrap(err, "Bad start")
	}
	end, err := parseClock(clock.End)
	if err != nil {
		return WindowSchedule{}, errors.Wrap(err, "Bad end")
	}
	if end <= start {
		return WindowSchedule{}, fmt.Errorf("Window end %s is not after start %s", clock.End, clock.Start)
	}
	return WindowSchedule{Start: start, End: end}, nil
}

func parseClock(str string) (time.Duration, error) {
	parsed, err := time.Parse("15:04", strings.TrimSpace(str))
	if err != nil {
		return 0, err
	}
	return time.Duration(parsed.Hour())*time.Hour + time.Duration(parsed.Minute())*time.Minute, nil
}

// Settings is YAML configuration of collection run
type Settings struct {
	Scraping struct {
		Sessions  int `yaml:"sessions"`
		MaxRoutes int `yaml:"max_routes"`
		Delays    struct {
			MinSeconds float64 `yaml:"min_seconds"`
			MaxSeconds float64 `yaml:"max_seconds"`
		} `yaml:"delays"`
		Block struct {
			CooldownSeconds float64 `yaml:"cooldown_seconds"`
			MaxRetries      int     `yaml:"max_retries"`
		} `yaml:"block"`
		Rotation struct {
			ProxyEvery    int `yaml:"proxy_every"`
			IdentityEvery int `yaml:"identity_every"`
		} `yaml:"rotation"`
		StepTimeoutSeconds float64                `yaml:"step_timeout_seconds"`
		Headless           bool                   `yaml:"headless"`
		Proxies            []string               `yaml:"proxies"`
		TimePeriods        map[string]ClockWindow `yaml:"time_periods"`
	} `yaml:"scraping"`
	Checkpoint struct {
		Dir        string `yaml:"dir"`
		FlushEvery int    `yaml:"flush_every"`
	} `yaml:"checkpoint"`
	Output struct {
		Dir        string `yaml:"dir"`
		GeomFormat string `yaml:"geom_format"`
	} `yaml:"output"`
	// Areas are sampled one by one, each with own max_routes cap. Empty means whole graph
	Areas        map[string]Area `yaml:"areas"`
	FacilityMode struct {
		CSVPath            string  `yaml:"csv_path"`
		OriginsPerFacility int     `yaml:"origins_per_facility"`
		MinDistanceKm      float64 `yaml:"min_distance_km"`
		Seed               int64   `yaml:"seed"`
	} `yaml:"facility_mode"`
}

// DefaultSettings returns settings matching engine defaults
func DefaultSettings() *Settings {
	settings := &Settings{}
	settings.Scraping.Sessions = DefaultSessions
	settings.Scraping.Delays.MinSeconds = DefaultMinDelay.Seconds()
	settings.Scraping.Delays.MaxSeconds = DefaultMaxDelay.Seconds()
	settings.Scraping.Block.CooldownSeconds = DefaultBlockCooldown.Seconds()
	settings.Scraping.Block.MaxRetries = DefaultMaxBlockRetries
	settings.Scraping.Rotation.ProxyEvery = DefaultProxyRotateEvery
	settings.Scraping.Rotation.IdentityEvery = DefaultIdentityRotateEvery
	settings.Scraping.StepTimeoutSeconds = DefaultStepTimeout.Seconds()
	settings.Scraping.Headless = true
	settings.Scraping.TimePeriods = make(map[string]ClockWindow, 3)
	for _, window := range AllTimeWindows() {
		schedule := DefaultWindowSchedule(window)
		settings.Scraping.TimePeriods[window.String()] = ClockWindow{
			Start: formatClock(schedule.Start),
			End:   formatClock(schedule.End),
		}
	}
	settings.Checkpoint.Dir = "data/raw"
	settings.Checkpoint.FlushEvery = DefaultFlushEvery
	settings.Output.Dir = "data/output"
	settings.Output.GeomFormat = "wkt"
	settings.FacilityMode.CSVPath = "config/facilities.csv"
	settings.FacilityMode.OriginsPerFacility = DefaultOriginsPerFacility
	settings.FacilityMode.MinDistanceKm = DefaultMinDistanceKm
	settings.FacilityMode.Seed = DefaultSamplerSeed
	return settings
}

func formatClock(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d.Hours()), int(d.Minutes())%60)
}

// LoadSettings reads YAML file over defaults
func LoadSettings(fname string) (*Settings, error) {
	settings := DefaultSettings()
	data, err := os.ReadFile(fname)
	if err != nil {
		return nil, errors.Wrap(err, "Can't read settings")
	}
	err = yaml.Unmarshal(data, settings)
	if err != nil {
		return nil, errors.Wrap(err, "Can't parse settings")
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

// Validate checks windows and delays
func (settings *Settings) Validate() error {
	if settings.Scraping.Delays.MinSeconds < 0 || settings.Scraping.Delays.MaxSeconds < settings.Scraping.Delays.MinSeconds {
		return fmt.Errorf("Bad delays: min %v, max %v", settings.Scraping.Delays.MinSeconds, settings.Scraping.Delays.MaxSeconds)
	}
	for label, clock := range settings.Scraping.TimePeriods {
		if _, err := ParseTimeWindow(label); err != nil {
			return err
		}
		if _, err := clock.Schedule(); err != nil {
			return errors.Wrapf(err, "Bad time period '%s'", label)
		}
	}
	if _, err := ParseGeomFormat(settings.Output.GeomFormat); err != nil {
		return err
	}
	for id, area := range settings.Areas {
		if err := area.Bounds.Validate(); err != nil {
			return errors.Wrapf(err, "Bad area '%s'", id)
		}
	}
	if settings.FacilityMode.OriginsPerFacility < 1 {
		return fmt.Errorf("Bad origins per facility: %d", settings.FacilityMode.OriginsPerFacility)
	}
	if settings.FacilityMode.MinDistanceKm < 0 {
		return fmt.Errorf("Bad min distance: %v km", settings.FacilityMode.MinDistanceKm)
	}
	return nil
}

// AreaList returns configured areas ordered by ID
func (settings *Settings) AreaList() []Area {
	return sortedAreas(settings.Areas)
}

// FacilitySamplerOptions converts facility mode settings into sampler options
func (settings *Settings) FacilitySamplerOptions() []func(*RouteSampler) {
	mode := settings.FacilityMode
	return []func(*RouteSampler){
		WithOriginsPerFacility(mode.OriginsPerFacility),
		WithMinDistanceKm(mode.MinDistanceKm),
		WithSeed(mode.Seed),
	}
}

// WindowSchedule returns configured schedule of window, default one when window is not configured
func (settings *Settings) WindowSchedule(window TimeWindow) WindowSchedule {
	if clock, ok := settings.Scraping.TimePeriods[window.String()]; ok {
		if schedule, err := clock.Schedule(); err == nil {
			return schedule
		}
	}
	return DefaultWindowSchedule(window)
}

func seconds(value float64) time.Duration {
	return time.Duration(value * float64(time.Second))
}

// EngineOptions converts settings into engine options
func (settings *Settings) EngineOptions() []func(*Engine) {
	scraping := settings.Scraping
	return []func(*Engine){
		WithSessions(scraping.Sessions),
		WithDelays(seconds(scraping.Delays.MinSeconds), seconds(scraping.Delays.MaxSeconds)),
		WithBlockCooldown(seconds(scraping.Block.CooldownSeconds), scraping.Block.MaxRetries),
		WithRotation(scraping.Rotation.ProxyEvery, scraping.Rotation.IdentityEvery),
		WithStepTimeout(seconds(scraping.StepTimeoutSeconds)),
	}
}

var runDurationRegExp = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*(s|sec|seconds|m|min|mins|minutes|h|hr|hour|hours)?$`)

// ParseRunDuration parses run budget like '5m', '1h', '90s'. Bare number means minutes
func ParseRunDuration(str string) (time.Duration, error) {
	str = strings.ToLower(strings.TrimSpace(str))
	match := runDurationRegExp.FindStringSubmatch(str)
	if match == nil {
		return 0, fmt.Errorf("Invalid duration format: '%s'. Use e.g. '5m', '1h', '30m', '24h'", str)
	}
	value, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0, errors.Wrap(err, "Can't parse duration value")
	}
	unit := time.Minute
	switch match[2] {
	case "s", "sec", "seconds":
		unit = time.Second
	case "h", "hr", "hour", "hours":
		unit = time.Hour
	}
	return time.Duration(value * float64(unit)), nil
}
