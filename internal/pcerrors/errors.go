// Package pcerrors defines the error taxonomy shared by every
// PartitionCache component. Errors are values, not strings: callers
// switch on type (via errors.As) to decide whether to retry, skip
// caching, or surface a failure.
package pcerrors

import "fmt"

// Kind classifies an error the way spec §7 enumerates the wire
// taxonomy. It is carried alongside the concrete error type so CLI
// surfaces can map errors to exit codes without a long type switch.
type Kind string

const (
	KindConfig            Kind = "config_error"
	KindConnectivity      Kind = "connectivity_error"
	KindDatatypeConflict  Kind = "datatype_conflict"
	KindUnsupportedSyntax Kind = "unsupported_syntax"
	KindBitRange          Kind = "bit_range_error"
	KindEntryNotFound     Kind = "entry_not_found"
	KindExecutionTimeout  Kind = "execution_timeout"
	KindExecutionLimit    Kind = "execution_limit"
	KindExecutionFailed   Kind = "execution_failed"
	KindInvalidIdentifier Kind = "invalid_identifier"
	KindInvalidDatatype   Kind = "invalid_datatype"
)

// ConfigError reports a missing or invalid configuration option.
// Never recoverable; callers surface it to the operator.
type ConfigError struct {
	Op     string
	Option string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config %s: option %q: %v", e.Op, e.Option, e.Err)
	}
	return fmt.Sprintf("config %s: option %q invalid", e.Op, e.Option)
}

func (e *ConfigError) Unwrap() error { return e.Err }
func (e *ConfigError) Kind() Kind    { return KindConfig }

// ConnectivityError reports that a backing store is unreachable.
// Retryable by the caller.
type ConnectivityError struct {
	Op     string
	Target string
	Err    error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("connectivity %s: %s: %v", e.Op, e.Target, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }
func (e *ConnectivityError) Kind() Kind    { return KindConnectivity }

// DatatypeConflictError reports that a partition key was used with a
// datatype that differs from the one it was registered with (I1).
type DatatypeConflictError struct {
	PartitionKey string
	Registered   string
	Requested    string
}

func (e *DatatypeConflictError) Error() string {
	return fmt.Sprintf("partition key %q: registered as %s, requested as %s",
		e.PartitionKey, e.Registered, e.Requested)
}

func (e *DatatypeConflictError) Kind() Kind { return KindDatatypeConflict }

// UnsupportedSyntaxError reports a query outside the decomposer's
// supported grammar (spec §4.1 step 1). Callers fall back to running
// the user's query uncached; this error is surfaced, never swallowed.
type UnsupportedSyntaxError struct {
	Reason string
	Query  string
}

func (e *UnsupportedSyntaxError) Error() string {
	return fmt.Sprintf("unsupported syntax: %s", e.Reason)
}

func (e *UnsupportedSyntaxError) Kind() Kind { return KindUnsupportedSyntax }

// BitRangeError reports an identifier outside [0, width) for a
// fixed-width bitstring partition (I6, B2).
type BitRangeError struct {
	PartitionKey string
	Width        int
	ID           int64
}

func (e *BitRangeError) Error() string {
	return fmt.Sprintf("partition key %q: identifier %d out of bit range [0, %d)",
		e.PartitionKey, e.ID, e.Width)
}

func (e *BitRangeError) Kind() Kind { return KindBitRange }

// EntryNotFoundError reports a get/delete on an absent key, distinct
// from a Null-marker. Informational, not a failure mode.
type EntryNotFoundError struct {
	PartitionKey string
	FragmentHash string
}

func (e *EntryNotFoundError) Error() string {
	return fmt.Sprintf("no entry for partition %q fragment %s", e.PartitionKey, e.FragmentHash)
}

func (e *EntryNotFoundError) Kind() Kind { return KindEntryNotFound }

// ExecutionTimeoutError reports a fragment that exceeded its
// configured timeout during population.
type ExecutionTimeoutError struct {
	FragmentHash string
	PartitionKey string
	Timeout      string
}

func (e *ExecutionTimeoutError) Error() string {
	return fmt.Sprintf("fragment %s/%s exceeded timeout %s", e.PartitionKey, e.FragmentHash, e.Timeout)
}

func (e *ExecutionTimeoutError) Kind() Kind { return KindExecutionTimeout }

// ExecutionLimitError reports a fragment whose row count exceeded the
// configured limit.
type ExecutionLimitError struct {
	FragmentHash string
	PartitionKey string
	Limit        int
}

func (e *ExecutionLimitError) Error() string {
	return fmt.Sprintf("fragment %s/%s exceeded row limit %d", e.PartitionKey, e.FragmentHash, e.Limit)
}

func (e *ExecutionLimitError) Kind() Kind { return KindExecutionLimit }

// ExecutionFailedError wraps a dataset-query error encountered while
// executing a fragment.
type ExecutionFailedError struct {
	FragmentHash string
	PartitionKey string
	Err          error
}

func (e *ExecutionFailedError) Error() string {
	return fmt.Sprintf("fragment %s/%s failed: %v", e.PartitionKey, e.FragmentHash, e.Err)
}

func (e *ExecutionFailedError) Unwrap() error { return e.Err }
func (e *ExecutionFailedError) Kind() Kind    { return KindExecutionFailed }

// InvalidIdentifierError reports a partition key or fragment hash that
// cannot be turned into a safe SQL identifier (store back-ends derive
// table/column names from partition keys).
type InvalidIdentifierError struct {
	Name string
}

func (e *InvalidIdentifierError) Error() string {
	return fmt.Sprintf("invalid identifier: %q", e.Name)
}

func (e *InvalidIdentifierError) Kind() Kind { return KindInvalidIdentifier }

// InvalidDatatypeError reports a Datatype value outside the four
// supported partition-key datatypes.
type InvalidDatatypeError struct {
	Datatype string
}

func (e *InvalidDatatypeError) Error() string {
	return fmt.Sprintf("invalid datatype: %q", e.Datatype)
}

func (e *InvalidDatatypeError) Kind() Kind { return KindInvalidDatatype }

// Wrap annotates a backing-store error with the operation and
// partition key it occurred under, classified as connectivity so
// callers know it is generally retryable.
func Wrap(op, partitionKey string, err error) error {
	if err == nil {
		return nil
	}
	return &ConnectivityError{Op: op, Target: partitionKey, Err: err}
}

// classified is implemented by every error type above; CLI exit-code
// mapping switches on Kind() rather than a long type assertion chain.
type classified interface {
	error
	Kind() Kind
}

var _ = []classified{
	(*ConfigError)(nil),
	(*ConnectivityError)(nil),
	(*DatatypeConflictError)(nil),
	(*UnsupportedSyntaxError)(nil),
	(*BitRangeError)(nil),
	(*EntryNotFoundError)(nil),
	(*ExecutionTimeoutError)(nil),
	(*ExecutionLimitError)(nil),
	(*ExecutionFailedError)(nil),
	(*InvalidIdentifierError)(nil),
	(*InvalidDatatypeError)(nil),
}

// ClassifyKind extracts the Kind of err, if it (or something it
// wraps) implements classified. ok is false for plain errors.
func ClassifyKind(err error) (kind Kind, ok bool) {
	var c classified
	if asClassified(err, &c) {
		return c.Kind(), true
	}
	return "", false
}

// asClassified is a small local errors.As to avoid importing errors
// just for this one helper chain; kept here so the package has no
// dependency beyond fmt.
func asClassified(err error, target *classified) bool {
	for err != nil {
		if c, ok := err.(classified); ok {
			*target = c
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
