package rewrite

import (
	"errors"
	"strings"
)

var (
	errNoLazySubquery    = errors.New("rewrite: lazy subquery requested but none available")
	errNoMaterializedSet = errors.New("rewrite: materialized id set requested but none available")
)

// clauseBoundaries locates the top-level WHERE keyword and the first
// of GROUP/ORDER/LIMIT that follows it, scanning outside parentheses
// and quoted string literals. wherePos is -1 if the statement has no
// WHERE clause at all; tailPos is len(sql) if none of the trailing
// clauses are present.
type clauseBoundaries struct {
	wherePos int
	tailPos  int
}

func findClauses(sql string) clauseBoundaries {
	depth := 0
	var quote byte
	upper := strings.ToUpper(sql)
	cb := clauseBoundaries{wherePos: -1, tailPos: len(sql)}

	isWordBoundary := func(i int) bool {
		if i == 0 {
			return true
		}
		c := sql[i-1]
		return !(isIdentChar(c))
	}

	for i := 0; i < len(sql); i++ {
		c := sql[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
			continue
		case '(':
			depth++
			continue
		case ')':
			depth--
			continue
		}
		if depth != 0 {
			continue
		}
		if !isWordBoundary(i) {
			continue
		}
		switch {
		case cb.wherePos == -1 && hasKeywordAt(upper, i, "WHERE"):
			cb.wherePos = i
		case cb.tailPos == len(sql) && (hasKeywordAt(upper, i, "GROUP BY") ||
			hasKeywordAt(upper, i, "ORDER BY") || hasKeywordAt(upper, i, "LIMIT") ||
			hasKeywordAt(upper, i, "HAVING") || hasKeywordAt(upper, i, "OFFSET")):
			cb.tailPos = i
		}
	}
	return cb
}

func isIdentChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func hasKeywordAt(upper string, i int, kw string) bool {
	if i+len(kw) > len(upper) {
		return false
	}
	if upper[i:i+len(kw)] != kw {
		return false
	}
	end := i + len(kw)
	if end < len(upper) && isIdentChar(upper[end]) {
		return false
	}
	return true
}

// spliceAndPredicate adds "AND (pred)" to the existing WHERE clause,
// or inserts a new "WHERE pred" if none exists, immediately before any
// trailing GROUP BY/ORDER BY/LIMIT/HAVING/OFFSET clause.
func spliceAndPredicate(sql string, pred string) (string, error) {
	cb := findClauses(sql)
	if cb.wherePos >= 0 {
		insertAt := cb.tailPos
		return sql[:insertAt] + " AND (" + pred + ") " + sql[insertAt:], nil
	}
	insertAt := cb.tailPos
	return sql[:insertAt] + " WHERE (" + pred + ") " + sql[insertAt:], nil
}

// spliceWhereFalse replaces the entire WHERE clause's condition with
// FALSE (or injects one), short-circuiting the query to zero rows
// while preserving SELECT list/FROM/GROUP BY/ORDER BY/LIMIT.
func spliceWhereFalse(sql string) (string, error) {
	cb := findClauses(sql)
	if cb.wherePos >= 0 {
		return sql[:cb.wherePos] + "WHERE FALSE " + sql[cb.tailPos:], nil
	}
	return sql[:cb.tailPos] + " WHERE FALSE " + sql[cb.tailPos:], nil
}

// spliceJoin inserts joinClause right before the top-level WHERE (or,
// without one, before GROUP BY/ORDER BY/LIMIT/HAVING/OFFSET or the
// end), that is, after the last item of the FROM list.
func spliceJoin(sql string, joinClause string) (string, error) {
	cb := findClauses(sql)
	insertAt := cb.wherePos
	if insertAt < 0 {
		insertAt = cb.tailPos
	}
	return sql[:insertAt] + " " + joinClause + " " + sql[insertAt:], nil
}
