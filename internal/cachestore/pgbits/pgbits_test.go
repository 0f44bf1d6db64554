package pgbits

import (
	"reflect"
	"testing"
)

func TestBitstringRoundTrip(t *testing.T) {
	ids := []int64{0, 3, 7, 99}
	bits, err := bitstring(ids, 100)
	if err != nil {
		t.Fatalf("bitstring() error = %v", err)
	}
	got := bitsToIDs(bits)
	if !reflect.DeepEqual(got, ids) {
		t.Errorf("bitsToIDs(bitstring(ids)) = %v, want %v", got, ids)
	}
}

func TestBitstringWidth(t *testing.T) {
	bits, err := bitstring([]int64{1}, 8)
	if err != nil {
		t.Fatalf("bitstring() error = %v", err)
	}
	if len(bits) != 8 {
		t.Errorf("bitstring length = %d, want 8", len(bits))
	}
}

func TestPartitionNameValid(t *testing.T) {
	if _, err := newPartitionName("city_id"); err != nil {
		t.Errorf("newPartitionName(city_id) error = %v", err)
	}
	if _, err := newPartitionName("9bad"); err == nil {
		t.Error("newPartitionName(9bad) expected error")
	}
}
