// Package domain models gridded meteorological data and the watershed time
// series derived from it.
//
// # Grids
//
// A [Grid] is a single time step of a north-up raster:
//
//	(OriginX, OriginY) is the upper-left corner of cell (row 0, col 0).
//	Cell (r, c) spans x in [OriginX + c*DX, OriginX + (c+1)*DX)
//	                and y in (OriginY - (r+1)*DY, OriginY - r*DY].
//	Data is row-major: Data[r*Cols + c].
//
// DX and DY are always positive. Readers that encounter south-up rasters flip
// rows on load so every downstream stage sees the same orientation.
//
// No-data cells hold the grid's NoData sentinel. NaN is also treated as
// no-data so arithmetic that produces NaN never leaks into statistics.
//
// # Time
//
// A [TimeDescriptor] is either an instant (Start == End) or a half-open
// period [Start, End). Period values (accumulations, period averages) are
// labelled by their End time when reduced to a [TimeSeries], following the
// HEC-DSS PER-CUM / PER-AVER convention.
//
// # Aggregation kind
//
// Accumulative quantities (precipitation, snowfall) are summed when combined
// over time; rates and state variables (temperature, radiation, SWE) are
// averaged. [InferKind] derives the default from a variable name:
//
//	precipitation, precip, qpe, rainfall, snowfall  -> sum
//	everything else                                  -> average
//
// # Series
//
// [TimeSeries] points are strictly increasing in time. Missing values are
// stored explicitly as [Missing] (NaN); nothing in this module interpolates a
// gap implicitly.
package domain
