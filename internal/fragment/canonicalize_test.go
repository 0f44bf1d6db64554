package fragment

import "testing"

func mustCanon(t *testing.T, sql string) (string, Hash) {
	t.Helper()
	canon, h, err := CanonicalizeSQL(sql, DefaultOptions())
	if err != nil {
		t.Fatalf("CanonicalizeSQL(%q) error = %v", sql, err)
	}
	return canon, h
}

func TestCanonicalizeWhitespaceInvariant(t *testing.T) {
	a, ha := mustCanon(t, "SELECT DISTINCT city_id FROM pois WHERE type = 'restaurant'")
	b, hb := mustCanon(t, "SELECT   DISTINCT   city_id   FROM   pois   WHERE   type='restaurant'")

	if ha != hb {
		t.Errorf("hashes differ for cosmetically identical queries: %q vs %q", a, b)
	}
}

func TestCanonicalizeAliasInvariant(t *testing.T) {
	a, _ := mustCanon(t, "SELECT DISTINCT p.city_id FROM pois p WHERE p.type = 'restaurant'")
	b, _ := mustCanon(t, "SELECT DISTINCT q.city_id FROM pois q WHERE q.type = 'restaurant'")

	if a != b {
		t.Errorf("alias renaming not invariant:\n%s\n%s", a, b)
	}
}

func TestCanonicalizeCommutativeOperandOrder(t *testing.T) {
	_, h1 := mustCanon(t, "SELECT DISTINCT city_id FROM pois WHERE rating = 5")
	_, h2 := mustCanon(t, "SELECT DISTINCT city_id FROM pois WHERE 5 = rating")

	if h1 != h2 {
		t.Errorf("commutative operand order should not affect hash")
	}
}

func TestCanonicalizeCommutativeOrderInvariantUnderAliasRename(t *testing.T) {
	a, _ := mustCanon(t, "SELECT DISTINCT x.city_id FROM ta x, tb y WHERE x.id = y.id")
	b, _ := mustCanon(t, "SELECT DISTINCT x.city_id FROM tb y, ta x WHERE y.id = x.id")

	if a != b {
		t.Errorf("commutative sort must run after alias rename:\n%s\n%s", a, b)
	}
}

func TestCanonicalizePredicateOrderInvariant(t *testing.T) {
	_, h1 := mustCanon(t, "SELECT DISTINCT city_id FROM pois WHERE type='restaurant' AND rating>3")
	_, h2 := mustCanon(t, "SELECT DISTINCT city_id FROM pois WHERE rating>3 AND type='restaurant'")

	if h1 != h2 {
		t.Errorf("predicate order should not affect hash")
	}
}

func TestCanonicalizeTableOrderInvariant(t *testing.T) {
	_, h1 := mustCanon(t, "SELECT DISTINCT u.city_id FROM users u, orders o WHERE u.id=o.user_id")
	_, h2 := mustCanon(t, "SELECT DISTINCT u.city_id FROM orders o, users u WHERE u.id=o.user_id")

	if h1 != h2 {
		t.Errorf("table declaration order should not affect hash")
	}
}

func TestCanonicalizeBetweenExpansion(t *testing.T) {
	a, _ := mustCanon(t, "SELECT DISTINCT city_id FROM pois WHERE rating BETWEEN 1 AND 5")
	b, _ := mustCanon(t, "SELECT DISTINCT city_id FROM pois WHERE rating >= 1 AND rating <= 5")

	if a != b {
		t.Errorf("BETWEEN should expand to an equivalent conjunction:\n%s\n%s", a, b)
	}
}

func TestCanonicalizeDistanceBucketing(t *testing.T) {
	opts := Options{BucketStep: 10}
	_, h1, err := CanonicalizeSQL("SELECT DISTINCT city_id FROM pois WHERE ST_DWithin(geom, center, 101)", opts)
	if err != nil {
		t.Fatalf("CanonicalizeSQL() error = %v", err)
	}
	_, h2, err := CanonicalizeSQL("SELECT DISTINCT city_id FROM pois WHERE ST_DWithin(geom, center, 104)", opts)
	if err != nil {
		t.Fatalf("CanonicalizeSQL() error = %v", err)
	}

	if h1 != h2 {
		t.Errorf("distances within the same bucket should hash identically")
	}
}

func TestCanonicalizeNumericLiteralFormatting(t *testing.T) {
	a, _ := mustCanon(t, "SELECT DISTINCT city_id FROM pois WHERE rating = 3.50")
	b, _ := mustCanon(t, "SELECT DISTINCT city_id FROM pois WHERE rating = 3.5")

	if a != b {
		t.Errorf("trailing zeros should not affect canonical form:\n%s\n%s", a, b)
	}
}

func TestParseRejectsCTE(t *testing.T) {
	_, err := Parse("WITH x AS (SELECT 1) SELECT * FROM x")
	if err == nil {
		t.Fatal("expected UnsupportedSyntax for CTE")
	}
}

func TestParseRejectsSetOperations(t *testing.T) {
	_, err := Parse("SELECT id FROM a UNION SELECT id FROM b")
	if err == nil {
		t.Fatal("expected UnsupportedSyntax for UNION")
	}
}

func TestParseRejectsGroupBy(t *testing.T) {
	_, err := Parse("SELECT city_id, count(*) FROM pois GROUP BY city_id")
	if err == nil {
		t.Fatal("expected UnsupportedSyntax for GROUP BY")
	}
}

func TestParseRejectsTopLevelOr(t *testing.T) {
	_, err := Parse("SELECT city_id FROM pois WHERE type='bar' OR type='restaurant'")
	if err == nil {
		t.Fatal("expected UnsupportedSyntax for top-level OR")
	}
}

func TestHashRoundTrip(t *testing.T) {
	_, h := mustCanon(t, "SELECT DISTINCT city_id FROM pois WHERE type='restaurant'")
	parsed, err := ParseHash(h.String())
	if err != nil {
		t.Fatalf("ParseHash() error = %v", err)
	}
	if parsed != h {
		t.Errorf("ParseHash(String()) = %v, want %v", parsed, h)
	}
}
