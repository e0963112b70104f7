// Package units converts grid and series values between physical units.
//
// Every unit belongs to a dimension and maps affinely onto the dimension's
// base unit: base = value*Scale + Offset. Conversion between units of the same
// dimension goes through the base. Rates (depth per time) and accumulations
// (depth) are distinct dimensions; ConvertWithTimeBase bridges them when the
// caller supplies the time step explicitly.
package units

import (
	"fmt"
	"strings"
	"time"

	"github.com/couchcryptid/grid-met-etl/internal/domain"
)

// Dimension is a physical quantity class. The base unit of each dimension
// is noted in the table below.
type Dimension string

// Base units: mm, mm/s, degC, W/m2, J/m2, Pa, m/s and 1.
const (
	Length        Dimension = "length"
	LengthRate    Dimension = "length/time"
	Temperature   Dimension = "temperature"
	Irradiance    Dimension = "irradiance"
	Energy        Dimension = "energy/area"
	Pressure      Dimension = "pressure"
	Speed         Dimension = "speed"
	Fraction      Dimension = "fraction"
	Dimensionless Dimension = "dimensionless"
)

// Unit is a resolved unit.
type Unit struct {
	Name   string
	Dim    Dimension
	Scale  float64
	Offset float64
}

type def struct {
	canonical string
	dim       Dimension
	scale     float64
	offset    float64
	aliases   []string
}

var table = []def{
	{"mm", Length, 1, 0, []string{"millimeter", "millimeters", "millimetre", "kg m-2", "kg/m2", "kg/m^2", "kg m**-2"}},
	{"cm", Length, 10, 0, []string{"centimeter", "centimeters"}},
	{"m", Length, 1000, 0, []string{"meter", "meters", "metre"}},
	{"in", Length, 25.4, 0, []string{"inch", "inches", "in."}},
	{"ft", Length, 304.8, 0, []string{"foot", "feet"}},

	{"mm/s", LengthRate, 1, 0, []string{"kg m-2 s-1", "kg/m2/s", "kg m**-2 s**-1", "mm s-1"}},
	{"mm/hr", LengthRate, 1.0 / 3600, 0, []string{"mm/h", "mm hr-1", "mm/hour"}},
	{"mm/day", LengthRate, 1.0 / 86400, 0, []string{"mm/d", "mm day-1"}},
	{"in/hr", LengthRate, 25.4 / 3600, 0, []string{"in/h", "inches/hour"}},
	{"m/s", Speed, 1, 0, []string{"m s-1", "meters per second", "mps"}},
	{"km/h", Speed, 1000.0 / 3600, 0, []string{"kph", "km/hr"}},
	{"mph", Speed, 0.44704, 0, []string{"mi/hr", "miles per hour"}},

	{"degc", Temperature, 1, 0, []string{"c", "celsius", "deg c", "degrees celsius", "°c"}},
	{"degf", Temperature, 5.0 / 9.0, -32 * 5.0 / 9.0, []string{"f", "fahrenheit", "deg f", "degrees fahrenheit", "°f"}},
	{"k", Temperature, 1, -273.15, []string{"kelvin", "degk", "deg k"}},

	{"w/m2", Irradiance, 1, 0, []string{"w m-2", "w/m^2", "w m**-2", "watt/m2"}},
	{"langley/day", Irradiance, 41840.0 / 86400, 0, []string{"ly/day"}},
	{"j/m2", Energy, 1, 0, []string{"j m-2", "j/m^2"}},
	{"mj/m2", Energy, 1e6, 0, []string{"mj m-2"}},

	{"pa", Pressure, 1, 0, []string{"pascal"}},
	{"hpa", Pressure, 100, 0, []string{"mb", "mbar", "millibar"}},
	{"kpa", Pressure, 1000, 0, nil},

	{"%", Fraction, 0.01, 0, []string{"percent", "pct"}},
	{"1", Fraction, 1, 0, []string{"fraction", "unitless"}},
	{"", Dimensionless, 1, 0, []string{"none", "n/a"}},
}

var lookup = func() map[string]Unit {
	m := make(map[string]Unit)
	for _, d := range table {
		u := Unit{Name: d.canonical, Dim: d.dim, Scale: d.scale, Offset: d.offset}
		m[d.canonical] = u
		for _, a := range d.aliases {
			m[a] = u
		}
	}
	return m
}()

// Parse resolves a unit name or alias, case-insensitively.
func Parse(name string) (Unit, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	u, ok := lookup[key]
	if !ok {
		return Unit{}, fmt.Errorf("unknown unit %q", name)
	}
	return u, nil
}

func (u Unit) toBase(v float64) float64   { return v*u.Scale + u.Offset }
func (u Unit) fromBase(v float64) float64 { return (v - u.Offset) / u.Scale }

// Converter returns a function mapping values in from to values in to.
func Converter(from, to string) (func(float64) float64, error) {
	fu, err := Parse(from)
	if err != nil {
		return nil, &domain.IncompatibleUnitError{From: from, To: to, Reason: err.Error()}
	}
	tu, err := Parse(to)
	if err != nil {
		return nil, &domain.IncompatibleUnitError{From: from, To: to, Reason: err.Error()}
	}
	if fu.Dim != tu.Dim {
		return nil, &domain.IncompatibleUnitError{
			From: from, To: to,
			Reason: fmt.Sprintf("%s vs %s", fu.Dim, tu.Dim),
		}
	}
	if fu == tu {
		return func(v float64) float64 { return v }, nil
	}
	return func(v float64) float64 { return tu.fromBase(fu.toBase(v)) }, nil
}

// Convert converts a single value.
func Convert(v float64, from, to string) (float64, error) {
	f, err := Converter(from, to)
	if err != nil {
		return 0, err
	}
	return f(v), nil
}

// ConvertWithTimeBase converts between a rate and an accumulation (either
// direction) over the time step dt. Units of the same dimension convert
// directly and dt is ignored.
func ConvertWithTimeBase(v float64, from, to string, dt time.Duration) (float64, error) {
	fu, err := Parse(from)
	if err != nil {
		return 0, &domain.IncompatibleUnitError{From: from, To: to, Reason: err.Error()}
	}
	tu, err := Parse(to)
	if err != nil {
		return 0, &domain.IncompatibleUnitError{From: from, To: to, Reason: err.Error()}
	}
	switch {
	case fu.Dim == tu.Dim:
		return tu.fromBase(fu.toBase(v)), nil
	case dt <= 0:
		return 0, &domain.IncompatibleUnitError{From: from, To: to, Reason: "time base must be positive"}
	case fu.Dim == LengthRate && tu.Dim == Length:
		return tu.fromBase(fu.toBase(v) * dt.Seconds()), nil
	case fu.Dim == Length && tu.Dim == LengthRate:
		return tu.fromBase(fu.toBase(v) / dt.Seconds()), nil
	default:
		return 0, &domain.IncompatibleUnitError{
			From: from, To: to,
			Reason: fmt.Sprintf("no time bridge between %s and %s", fu.Dim, tu.Dim),
		}
	}
}

// ConvertGrid returns a copy of g in unit to. No-data cells are untouched.
func ConvertGrid(g domain.Grid, to string) (domain.Grid, error) {
	f, err := Converter(g.Unit, to)
	if err != nil {
		return domain.Grid{}, err
	}
	out := g.Clone()
	for i, v := range out.Data {
		if !g.IsNoData(v) {
			out.Data[i] = f(v)
		}
	}
	out.Unit = to
	return out, nil
}

// ConvertGridWithTimeBase converts g between a rate and an accumulation, using
// the grid's period length as the time base.
func ConvertGridWithTimeBase(g domain.Grid, to string) (domain.Grid, error) {
	dt := g.Time.Duration()
	zero, err := ConvertWithTimeBase(0, g.Unit, to, dt)
	if err != nil {
		return domain.Grid{}, err
	}
	one, _ := ConvertWithTimeBase(1, g.Unit, to, dt)
	slope := one - zero
	out := g.Clone()
	for i, v := range out.Data {
		if !g.IsNoData(v) {
			out.Data[i] = v*slope + zero
		}
	}
	out.Unit = to
	return out, nil
}

// ConvertSeries returns a copy of ts in unit to. Missing values stay missing.
func ConvertSeries(ts domain.TimeSeries, to string) (domain.TimeSeries, error) {
	f, err := Converter(ts.Unit, to)
	if err != nil {
		return domain.TimeSeries{}, err
	}
	out := ts.Clone()
	for i, p := range out.Points {
		if !domain.IsMissing(p.Value) {
			out.Points[i].Value = f(p.Value)
		}
	}
	out.Unit = to
	return out, nil
}

// Same reports whether two names resolve to the same unit.
func Same(a, b string) bool {
	ua, err := Parse(a)
	if err != nil {
		return false
	}
	ub, err := Parse(b)
	if err != nil {
		return false
	}
	return ua == ub
}
