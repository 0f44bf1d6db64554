package redisset

import (
	"testing"

	"github.com/MPoppinga/PartitionCache-sub000/internal/cachestore"
)

func TestIdToMemberInteger(t *testing.T) {
	got := idToMember(cachestore.Integer, cachestore.IDSet{Datatype: cachestore.Integer, Ints: []int64{1, 2, 3}})
	want := []string{"1", "2", "3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("idToMember() = %v, want %v", got, want)
		}
	}
}

func TestMembersToIDSetRoundTrip(t *testing.T) {
	members := idToMember(cachestore.Float, cachestore.IDSet{Datatype: cachestore.Float, Floats: []float64{1.5, 2.25}})
	set, err := membersToIDSet(cachestore.Float, members)
	if err != nil {
		t.Fatalf("membersToIDSet() error = %v", err)
	}
	if set.Len() != 2 {
		t.Fatalf("membersToIDSet() len = %d, want 2", set.Len())
	}
}

func TestMembersToIDSetText(t *testing.T) {
	set, err := membersToIDSet(cachestore.Text, []string{"a", "b"})
	if err != nil {
		t.Fatalf("membersToIDSet() error = %v", err)
	}
	if set.Len() != 2 || set.Datatype != cachestore.Text {
		t.Fatalf("membersToIDSet() = %+v, want text set of len 2", set)
	}
}
