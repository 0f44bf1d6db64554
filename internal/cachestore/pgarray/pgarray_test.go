package pgarray

import (
	"sort"
	"testing"

	"github.com/MPoppinga/PartitionCache-sub000/internal/cachestore"
)

func TestPartitionNameValid(t *testing.T) {
	cases := []struct {
		key  string
		want bool
	}{
		{"city_id", true},
		{"1bad", false},
		{"", false},
	}
	for _, c := range cases {
		p, err := newPartitionName(c.key)
		if c.want && err != nil {
			t.Errorf("newPartitionName(%q) error = %v, want nil", c.key, err)
		}
		if !c.want && err == nil {
			t.Errorf("newPartitionName(%q) = %q, want error", c.key, p)
		}
	}
}

func TestIntersectSmallestFirst(t *testing.T) {
	sets := [][]string{
		{"1", "2", "3", "4", "5"},
		{"2", "3"},
		{"2", "3", "4"},
	}
	got := intersectSmallestFirst(sets)
	sort.Strings(got)
	want := []string{"2", "3"}
	if len(got) != len(want) {
		t.Fatalf("intersectSmallestFirst() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("intersectSmallestFirst() = %v, want %v", got, want)
		}
	}
}

func TestIntersectSmallestFirstEmpty(t *testing.T) {
	got := intersectSmallestFirst([][]string{{"1"}, {"2"}})
	if len(got) != 0 {
		t.Errorf("intersectSmallestFirst() = %v, want empty", got)
	}
}

func TestToStringsInt64(t *testing.T) {
	got := toStrings([]int64{1, 2, 3})
	want := []string{"1", "2", "3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("toStrings() = %v, want %v", got, want)
		}
	}
}

func TestDatatypeOf(t *testing.T) {
	cases := []struct {
		raw  any
		want cachestore.Datatype
	}{
		{[]int64{1, 2}, cachestore.Integer},
		{[]float64{1.5}, cachestore.Float},
		{[]string{"a"}, cachestore.Text},
	}
	for _, c := range cases {
		if got := datatypeOf(c.raw); got != c.want {
			t.Errorf("datatypeOf(%v) = %v, want %v", c.raw, got, c.want)
		}
	}
}

func TestIDSetFromStringsPreservesIntegerDatatype(t *testing.T) {
	ids := idSetFromStrings(cachestore.Integer, []string{"3", "1", "2"})
	if ids.Datatype != cachestore.Integer {
		t.Fatalf("idSetFromStrings() Datatype = %v, want Integer", ids.Datatype)
	}
	if len(ids.Ints) != 3 {
		t.Fatalf("idSetFromStrings() Ints = %v, want 3 entries", ids.Ints)
	}
}
