package source

import (
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/couchcryptid/grid-met-etl/internal/domain"
)

// nameInfo is what a file name says about its contents.
type nameInfo struct {
	Variable string
	Unit     string
	CRS      string
	Time     domain.TimeDescriptor
	Dated    bool
}

type prismVariable struct {
	name string
	unit string
}

var prismVariables = map[string]prismVariable{
	"ppt":    {"precipitation", "mm"},
	"tmean":  {"mean temperature", "degC"},
	"tmin":   {"minimum temperature", "degC"},
	"tmax":   {"maximum temperature", "degC"},
	"tdmean": {"mean dewpoint temperature", "degC"},
	"vpdmin": {"minimum vapor pressure deficit", "hPa"},
	"vpdmax": {"maximum vapor pressure deficit", "hPa"},
}

var (
	prismPrefix  = regexp.MustCompile(`^prism_([a-z]+)_`)
	prismDaily   = regexp.MustCompile(`_(stable|provisional|early)_[a-z0-9]*(d1|d2)[a-z0-9]*_(\d{8})`)
	prismMonthly = regexp.MustCompile(`_(stable|provisional|early)_[a-z0-9]*m\d[a-z0-9]*_(\d{6})(?:[_.]|$)`)
	qpfHourly    = regexp.MustCompile(`^qpf.*1hr.*(\d{8})$`)
	isoStamp     = regexp.MustCompile(`(\d{4})[_-](\d{2})[_-](\d{2})[t_-](\d{4})`)
	compactStamp = regexp.MustCompile(`(?:^|[_.-])((?:19|20)\d{6}(?:\d{2})?)(?:[_.-]|$)`)
	freqName     = regexp.MustCompile(`yr.*(ha|ma|da)`)
)

// describe derives variable, unit and time from a file name, following the
// naming conventions of PRISM, NWS QPF and common dated products. stepLength,
// when positive, turns a single instant stamp into the period ending there.
func describe(path string, stepLength time.Duration) nameInfo {
	base := strings.ToLower(filepath.Base(path))
	stem := stripExt(base)

	var info nameInfo
	if m := prismPrefix.FindStringSubmatch(stem); m != nil {
		if v, ok := prismVariables[m[1]]; ok {
			info.Variable, info.Unit = v.name, v.unit
			info.CRS = "EPSG:4269"
			switch {
			case strings.Contains(stem, "normal") || strings.Contains(stem, "30yr"):
				info.Time = domain.Period(
					time.Date(1981, 1, 1, 0, 0, 0, 0, time.UTC),
					time.Date(2010, 12, 31, 0, 0, 0, 0, time.UTC))
				info.Dated = true
			case prismDaily.MatchString(stem):
				d, err := time.Parse("20060102", prismDaily.FindStringSubmatch(stem)[3])
				if err == nil {
					// PRISM days run 12Z to 12Z.
					info.Time = domain.Period(d.Add(-12*time.Hour), d.Add(12*time.Hour))
					info.Dated = true
				}
			case prismMonthly.MatchString(stem):
				d, err := time.Parse("200601", prismMonthly.FindStringSubmatch(stem)[2])
				if err == nil {
					info.Time = domain.Period(d, d.AddDate(0, 1, 0))
					info.Dated = true
				}
			default:
				if m := compactStamp.FindStringSubmatch(stem); m != nil && len(m[1]) == 8 {
					if d, err := time.Parse("20060102", m[1]); err == nil {
						info.Time = domain.Period(d.Add(-12*time.Hour), d.Add(12*time.Hour))
						info.Dated = true
					}
				}
			}
			return info
		}
	}

	if m := qpfHourly.FindStringSubmatch(stem); m != nil {
		info.Variable, info.Unit = "precipitation", "mm"
		if end, err := time.Parse("06010215", m[1]); err == nil {
			info.Time = domain.Period(end.Add(-time.Hour), end)
			info.Dated = true
		}
		return info
	}

	switch {
	case freqName.MatchString(stem):
		info.Variable, info.Unit = "precipitation-frequency", "1/1000 in"
	case strings.HasPrefix(stem, "windspeed"):
		info.Variable = "windspeed"
	}

	if ms := isoStamp.FindAllStringSubmatch(stem, -1); len(ms) > 0 {
		parse := func(m []string) (time.Time, bool) {
			t, err := time.Parse("200601021504", m[1]+m[2]+m[3]+m[4])
			return t, err == nil
		}
		start, ok := parse(ms[0])
		if ok && len(ms) >= 2 {
			if end, ok := parse(ms[1]); ok {
				info.Time, info.Dated = domain.Period(start, end), true
				return info
			}
		}
		if ok {
			info.Time, info.Dated = stamp(start, stepLength), true
		}
		return info
	}

	if m := compactStamp.FindStringSubmatch(stem); m != nil {
		layout := "20060102"
		if len(m[1]) == 10 {
			layout = "2006010215"
		}
		if t, err := time.Parse(layout, m[1]); err == nil {
			info.Time, info.Dated = stamp(t, stepLength), true
		}
	}
	return info
}

func stamp(t time.Time, stepLength time.Duration) domain.TimeDescriptor {
	if stepLength > 0 {
		return domain.Period(t.Add(-stepLength), t)
	}
	return domain.Instant(t)
}

var knownExts = map[string]bool{
	".zip": true, ".gz": true, ".tar": true, ".asc": true, ".bil": true,
	".hdr": true, ".nc": true, ".nc4": true, ".tif": true, ".txt": true,
}

// stripExt removes known extensions and PRISM's _bil/_asc suffixes, so
// "a.asc.zip" and "a_bil.bil" both reduce to their dated stem.
func stripExt(base string) string {
	for {
		ext := filepath.Ext(base)
		if !knownExts[ext] {
			break
		}
		base = strings.TrimSuffix(base, ext)
	}
	return strings.TrimSuffix(strings.TrimSuffix(base, "_bil"), "_asc")
}
