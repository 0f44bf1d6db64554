package decompose

import (
	"sort"
	"testing"

	"github.com/MPoppinga/PartitionCache-sub000/internal/fragment"
)

func parseOrFail(t *testing.T, sql string) *fragment.Select {
	t.Helper()
	sel, err := fragment.Parse(sql)
	if err != nil {
		t.Fatalf("Parse(%q) error = %v", sql, err)
	}
	return sel
}

func tableSets(variants []Variant) [][]string {
	out := make([][]string, len(variants))
	for i, v := range variants {
		s := append([]string(nil), v.Tables...)
		sort.Strings(s)
		out[i] = s
	}
	return out
}

func containsSet(sets [][]string, want []string) bool {
	sort.Strings(want)
	for _, s := range sets {
		if len(s) != len(want) {
			continue
		}
		match := true
		for i := range s {
			if s[i] != want[i] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func TestDecomposeSingleTable(t *testing.T) {
	sel := parseOrFail(t, "SELECT * FROM pois WHERE type='restaurant'")

	variants, err := Decompose(sel, "city_id", DefaultOptions())
	if err != nil {
		t.Fatalf("Decompose() error = %v", err)
	}
	if len(variants) != 1 {
		t.Fatalf("Decompose() returned %d variants, want 1", len(variants))
	}
}

func TestDecomposeConnectedSubgraphsOnly(t *testing.T) {
	// users/orders form one component, products is isolated: with
	// follow_graph (default), {users, products} must never be emitted.
	sel := parseOrFail(t, "SELECT * FROM users u, orders o, products pr WHERE u.id = o.user_id AND u.age > 25")

	variants, err := Decompose(sel, "city_id", DefaultOptions())
	if err != nil {
		t.Fatalf("Decompose() error = %v", err)
	}
	sets := tableSets(variants)

	if containsSet(sets, []string{"u", "pr"}) {
		t.Errorf("disconnected subset {u, pr} should not be emitted")
	}
	if !containsSet(sets, []string{"u", "o"}) {
		t.Errorf("connected subset {u, o} should be emitted")
	}
	if !containsSet(sets, []string{"pr"}) {
		t.Errorf("singleton subset {pr} should be emitted")
	}
}

func TestDecomposeStarJoinReAddedToEveryVariant(t *testing.T) {
	sel := parseOrFail(t, `SELECT * FROM users u, orders o, p0_city p0
		WHERE u.city_id = p0.city_id AND o.city_id = p0.city_id AND u.age > 25 AND o.total > 100`)

	variants, err := Decompose(sel, "city_id", DefaultOptions())
	if err != nil {
		t.Fatalf("Decompose() error = %v", err)
	}
	sets := tableSets(variants)

	for _, want := range [][]string{{"p0", "u"}, {"p0", "o"}, {"p0", "o", "u"}} {
		if !containsSet(sets, want) {
			t.Errorf("expected variant over %v, sets = %v", want, sets)
		}
	}
	// the star-join table alone, without any base table, must never
	// appear as the *base* enumeration (it is excluded from it, R4).
	if containsSet(sets, []string{"p0"}) {
		t.Errorf("star-join table alone should not appear in the base enumeration")
	}
}

func TestDecomposeMinMaxComponentSize(t *testing.T) {
	sel := parseOrFail(t, "SELECT * FROM users u, orders o WHERE u.id = o.user_id")

	opts := DefaultOptions()
	opts.MinComponentSize = 2
	opts.MaxComponentSize = 2

	variants, err := Decompose(sel, "city_id", opts)
	if err != nil {
		t.Fatalf("Decompose() error = %v", err)
	}
	if len(variants) != 1 {
		t.Fatalf("Decompose() with size bounds [2,2] returned %d variants, want 1", len(variants))
	}
	if len(variants[0].Tables) != 2 {
		t.Errorf("variant has %d tables, want 2", len(variants[0].Tables))
	}
}

func TestDecomposeDeterministicOrder(t *testing.T) {
	sel := parseOrFail(t, "SELECT * FROM users u, orders o WHERE u.id = o.user_id AND u.age > 25")

	v1, err := Decompose(sel, "city_id", DefaultOptions())
	if err != nil {
		t.Fatalf("Decompose() error = %v", err)
	}
	v2, err := Decompose(sel, "city_id", DefaultOptions())
	if err != nil {
		t.Fatalf("Decompose() error = %v", err)
	}
	if len(v1) != len(v2) {
		t.Fatalf("non-deterministic variant count: %d vs %d", len(v1), len(v2))
	}
	for i := range v1 {
		if v1[i].Hash != v2[i].Hash {
			t.Errorf("variant %d hash differs between runs: %s vs %s", i, v1[i].Hash, v2[i].Hash)
		}
	}
}
