package store

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// DefaultSeriesTemplate addresses zonal series, one record per zone and job.
// DefaultGridTemplate addresses gridded output, one record per time step.
const (
	DefaultSeriesTemplate = "/{basin}/{zone}/{parameter}/{start}/{interval}/{run}/"
	DefaultGridTemplate   = "/{basin}//{parameter}/{start}/{end}/{run}/"
)

// PathFields are the values substituted into a path template.
type PathFields struct {
	Basin     string
	Zone      string
	Parameter string
	Start     time.Time
	End       time.Time
	Interval  time.Duration
	Run       string
}

var placeholder = regexp.MustCompile(`\{([a-z]+)\}`)

// ExpandPath substitutes fields into tmpl. Unknown placeholders are an error.
func ExpandPath(tmpl string, f PathFields) (string, error) {
	var unknown []string
	out := placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		switch name := m[1 : len(m)-1]; name {
		case "basin":
			return part(f.Basin)
		case "zone":
			return part(f.Zone)
		case "parameter":
			return part(f.Parameter)
		case "start":
			if f.Start.IsZero() {
				return ""
			}
			return FormatDate(f.Start)
		case "end":
			if f.End.IsZero() {
				return ""
			}
			return FormatEndDate(f.End)
		case "interval":
			return IntervalName(f.Interval)
		case "run":
			return part(f.Run)
		default:
			unknown = append(unknown, name)
			return m
		}
	})
	if len(unknown) > 0 {
		return "", fmt.Errorf("path template %q: unknown placeholder %s", tmpl, strings.Join(unknown, ", "))
	}
	return CleanPath(out)
}

// part upper-cases a path part and replaces separators it may not contain.
func part(s string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "/", "-"))
}

var errPath = errors.New("invalid record path")

// CleanPath validates a record path: it starts and ends with "/".
func CleanPath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if len(p) < 2 || !strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w %q: must start with /", errPath, p)
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p, nil
}

// FormatDate renders t as a DSS date part, e.g. 01JAN2024:0600.
func FormatDate(t time.Time) string {
	return strings.ToUpper(t.UTC().Format("02Jan2006:1504"))
}

// FormatEndDate renders an interval end. Midnight is written as 2400 of the
// previous day.
func FormatEndDate(t time.Time) string {
	t = t.UTC()
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
		return strings.ToUpper(t.AddDate(0, 0, -1).Format("02Jan2006")) + ":2400"
	}
	return FormatDate(t)
}

// IntervalName renders a series interval as a DSS E part. Zero means an
// irregular series.
func IntervalName(d time.Duration) string {
	switch {
	case d <= 0:
		return "IR-DAY"
	case d%(24*time.Hour) == 0:
		return fmt.Sprintf("%dDAY", d/(24*time.Hour))
	case d%time.Hour == 0:
		return fmt.Sprintf("%dHOUR", d/time.Hour)
	case d%time.Minute == 0:
		return fmt.Sprintf("%dMIN", d/time.Minute)
	default:
		return fmt.Sprintf("%dSEC", d/time.Second)
	}
}

// Parameter maps a variable name to its canonical C part. Unknown names are
// upper-cased.
func Parameter(variable string) string {
	desc := strings.ToLower(strings.TrimSpace(variable))
	has := func(subs ...string) bool {
		for _, s := range subs {
			if !strings.Contains(desc, s) {
				return false
			}
		}
		return true
	}

	switch {
	case desc == "":
		return ""
	case has("precipitation", "frequency"):
		return "PRECIPITATION-FREQUENCY"
	case has("pressure", "surface"):
		return "PRESSURE"
	case has("precip"), has("qpe"), has("rainfall"), desc == "pr", desc == "apcp":
		return "PRECIPITATION"
	case has("temperature"), desc == "airtemp", desc == "tas", desc == "tasmin", desc == "tasmax":
		return "TEMPERATURE"
	case (has("short", "wave") || has("solar")) && has("radiation"):
		return "SOLAR RADIATION"
	case has("wind", "speed"):
		return "WINDSPEED"
	case has("snow", "water", "equivalent"), desc == "swe":
		return "SWE"
	case has("snowfall"):
		return "SNOWFALL ACCUMULATION"
	case has("albedo"):
		return "ALBEDO"
	case has("humidity"):
		return "HUMIDITY"
	case has("pressure"):
		return "PRESSURE"
	default:
		return strings.ToUpper(desc)
	}
}
