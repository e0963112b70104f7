package domain

import (
	"errors"
	"fmt"
	"time"
)

// UnsupportedFormatError is returned when no registered reader accepts a source.
type UnsupportedFormatError struct {
	Path string
	Hint string
}

func (e *UnsupportedFormatError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("unsupported format %q for %s", e.Hint, e.Path)
	}
	return fmt.Sprintf("no reader accepts %s", e.Path)
}

// CorruptSourceError is returned when declared structure does not match the payload.
type CorruptSourceError struct {
	Path   string
	Reason string
	Err    error
}

func (e *CorruptSourceError) Error() string {
	msg := fmt.Sprintf("corrupt source %s: %s", e.Path, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CorruptSourceError) Unwrap() error { return e.Err }

// ReprojectionError covers invalid CRS definitions, failed transforms and
// mass-balance violations.
type ReprojectionError struct {
	From, To string
	Reason   string
	Err      error
}

func (e *ReprojectionError) Error() string {
	msg := fmt.Sprintf("reproject %s -> %s: %s", e.From, e.To, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ReprojectionError) Unwrap() error { return e.Err }

// IncompatibleUnitError is returned when two units have different dimensions.
type IncompatibleUnitError struct {
	From, To string
	Reason   string
}

func (e *IncompatibleUnitError) Error() string {
	msg := fmt.Sprintf("cannot convert %s to %s", e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// GapTooLargeError is returned when filling a target interval would use data
// older than the staleness threshold.
type GapTooLargeError struct {
	Location   string
	BinEnd     time.Time
	LastSample time.Time
	Staleness  time.Duration
}

func (e *GapTooLargeError) Error() string {
	if e.LastSample.IsZero() {
		return fmt.Sprintf("series %s: interval ending %s has no data", e.Location, e.BinEnd.Format(time.RFC3339))
	}
	return fmt.Sprintf("series %s: interval ending %s would use data from %s, older than %s",
		e.Location, e.BinEnd.Format(time.RFC3339), e.LastSample.Format(time.RFC3339), e.Staleness)
}

// EmptyZoneError is returned when a zone covers no cell centers, or only no-data cells.
type EmptyZoneError struct {
	ZoneID    string
	TimeStep  time.Time
	AllNoData bool
}

func (e *EmptyZoneError) Error() string {
	if e.AllNoData {
		return fmt.Sprintf("zone %s at %s: every covered cell is no-data", e.ZoneID, e.TimeStep.Format(time.RFC3339))
	}
	return fmt.Sprintf("zone %s at %s: contains no cell centers", e.ZoneID, e.TimeStep.Format(time.RFC3339))
}

// RecordNotFoundError is returned when a store path does not exist.
type RecordNotFoundError struct {
	Path string
}

func (e *RecordNotFoundError) Error() string { return "record not found: " + e.Path }

// StoreWriteConflictError is returned when a write carries a version older
// than the stored one.
type StoreWriteConflictError struct {
	Path    string
	Stored  time.Time
	Attempt time.Time
}

func (e *StoreWriteConflictError) Error() string {
	return fmt.Sprintf("write conflict on %s: version %s is older than stored %s",
		e.Path, e.Attempt.Format(time.RFC3339Nano), e.Stored.Format(time.RFC3339Nano))
}

// TimeoutError wraps an expired deadline on a source or container operation.
// It is the only retryable error.
type TimeoutError struct {
	Op   string
	Path string
	Err  error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %s: timed out: %v", e.Op, e.Path, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsStructural reports whether err invalidates a single time step without
// being transient.
func IsStructural(err error) bool {
	var (
		cs *CorruptSourceError
		iu *IncompatibleUnitError
		ez *EmptyZoneError
		rp *ReprojectionError
		gl *GapTooLargeError
	)
	return errors.As(err, &cs) || errors.As(err, &iu) || errors.As(err, &ez) ||
		errors.As(err, &rp) || errors.As(err, &gl)
}
