package etl

import "errors"

// ErrStorageFull is returned when a run cannot be flushed to disk because
// the scratch directory ran out of space.
var ErrStorageFull = errors.New("etl: scratch disk is full")

// ErrCorruptRun is returned when a spilled run file cannot be decoded,
// e.g. a truncated write or a damaged varint length prefix.
var ErrCorruptRun = errors.New("etl: spilled run file is corrupt")

// ErrNonMonotoneAppend is returned by Load in ModeAppend when the collected
// entries, merged in sorted order, are not strictly increasing by key (a
// key was collected more than once). It is detected before anything is
// written to the destination.
var ErrNonMonotoneAppend = errors.New("etl: append mode requires strictly increasing keys")
