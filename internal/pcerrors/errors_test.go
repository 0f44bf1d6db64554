package pcerrors

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifyKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
		ok   bool
	}{
		{"datatype conflict", &DatatypeConflictError{PartitionKey: "city_id", Registered: "integer", Requested: "text"}, KindDatatypeConflict, true},
		{"bit range", &BitRangeError{PartitionKey: "city_id", Width: 64, ID: 64}, KindBitRange, true},
		{"wrapped execution failed", fmt.Errorf("while processing: %w", &ExecutionFailedError{FragmentHash: "abc", PartitionKey: "city_id", Err: errors.New("boom")}), KindExecutionFailed, true},
		{"plain error", errors.New("nope"), "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, ok := ClassifyKind(tt.err)
			if ok != tt.ok {
				t.Fatalf("ClassifyKind() ok = %v, want %v", ok, tt.ok)
			}
			if kind != tt.want {
				t.Errorf("ClassifyKind() kind = %v, want %v", kind, tt.want)
			}
		})
	}
}

func TestUnwrap(t *testing.T) {
	base := errors.New("connection refused")
	err := &ConnectivityError{Op: "ping", Target: "cache-db", Err: base}

	if !errors.Is(err, base) {
		t.Errorf("errors.Is() should find wrapped base error")
	}
}
