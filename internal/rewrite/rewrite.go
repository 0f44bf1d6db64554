// Package rewrite implements the Query Rewriter (C5): it splices an
// intersected partition-identifier restriction back into the user's
// original SQL, using one of four integration methods, without
// disturbing the original SELECT list, GROUP BY, ORDER BY, or LIMIT.
//
// Locating the splice point is done by scanning the statement's
// top-level clause keywords (respecting parenthesis nesting and quoted
// literals) rather than by reconstructing and re-deparsing a full
// pg_query_go AST: the restriction is always a single additional AND
// predicate or JOIN clause grafted onto an already-valid query, so a
// structural scan for clause boundaries is sufficient and avoids
// needing to populate a complete protobuf parse tree by hand.
package rewrite

import (
	"strconv"
	"strings"

	"github.com/MPoppinga/PartitionCache-sub000/internal/cachestore"
)

// Method selects one of the four integration strategies (spec §4.5).
type Method int

const (
	// MethodInlineIN adds "AND <alias>.<pk> IN (v1, v2, ...)".
	MethodInlineIN Method = iota
	// MethodInlineSubquery adds "AND <alias>.<pk> IN (<lazy subquery>)".
	MethodInlineSubquery
	// MethodTempTableIN materializes into a temp table and filters via IN.
	MethodTempTableIN
	// MethodTempTableJoin materializes into a temp table and JOINs on it.
	MethodTempTableJoin
)

// Anchor identifies where the restriction attaches: the table alias
// (or name) in the user's query that exposes the partition key.
type Anchor struct {
	Alias        string
	PartitionKey string
}

// Options configures the rewrite; TempTableName defaults to "_pc_tmp".
type Options struct {
	Method        Method
	TempTableName string
	IndexTempTable bool
	AnalyzeTempTable bool
}

func (o Options) tempTable() string {
	if o.TempTableName == "" {
		return "_pc_tmp"
	}
	return o.TempTableName
}

// Result is the outcome of a Rewrite call.
type Result struct {
	SQL       string
	Statements []string // setup statements (temp table DDL) to run before SQL, if any
	Enhanced  bool
	Hits      int
}

// Rewrite augments sql with a restriction to ids (a materialized C4
// result) or lazySubquery (a lazy C4 result), per the edge-case rules:
// an explicitly empty, non-lazy ids means "no partitions match" and
// short-circuits to WHERE FALSE; hits == 0 (no cache information at
// all) passes the query through unchanged.
func Rewrite(sql string, anchor Anchor, ids *cachestore.IDSet, lazySubquery string, hits int, opts Options) (Result, error) {
	if hits == 0 {
		return Result{SQL: sql, Enhanced: false, Hits: 0}, nil
	}

	if ids != nil && ids.Len() == 0 && lazySubquery == "" {
		short, err := spliceWhereFalse(sql)
		if err != nil {
			return Result{}, err
		}
		return Result{SQL: short, Enhanced: true, Hits: hits}, nil
	}

	switch opts.Method {
	case MethodInlineSubquery:
		if lazySubquery == "" {
			return Result{}, errNoLazySubquery
		}
		pred := anchor.qualified() + " IN (" + lazySubquery + ")"
		out, err := spliceAndPredicate(sql, pred)
		if err != nil {
			return Result{}, err
		}
		return Result{SQL: out, Enhanced: true, Hits: hits}, nil

	case MethodTempTableIN, MethodTempTableJoin:
		if ids == nil {
			return Result{}, errNoMaterializedSet
		}
		tmp := opts.tempTable()
		setup := tempTableStatements(tmp, anchor.PartitionKey, *ids, opts)

		if opts.Method == MethodTempTableIN {
			pred := anchor.qualified() + " IN (SELECT " + anchor.PartitionKey + " FROM " + tmp + ")"
			out, err := spliceAndPredicate(sql, pred)
			if err != nil {
				return Result{}, err
			}
			return Result{SQL: out, Statements: setup, Enhanced: true, Hits: hits}, nil
		}

		joinClause := "JOIN " + tmp + " ON " + tmp + "." + anchor.PartitionKey + " = " + anchor.qualified()
		out, err := spliceJoin(sql, joinClause)
		if err != nil {
			return Result{}, err
		}
		return Result{SQL: out, Statements: setup, Enhanced: true, Hits: hits}, nil

	default: // MethodInlineIN
		if ids == nil {
			return Result{}, errNoMaterializedSet
		}
		pred := anchor.qualified() + " IN (" + inlineValues(*ids) + ")"
		out, err := spliceAndPredicate(sql, pred)
		if err != nil {
			return Result{}, err
		}
		return Result{SQL: out, Enhanced: true, Hits: hits}, nil
	}
}

func (a Anchor) qualified() string {
	if a.Alias == "" {
		return a.PartitionKey
	}
	return a.Alias + "." + a.PartitionKey
}

func inlineValues(ids cachestore.IDSet) string {
	return strings.Join(valueRows(ids), ", ")
}

func valueRows(ids cachestore.IDSet) []string {
	var parts []string
	switch ids.Datatype {
	case cachestore.Integer:
		for _, v := range ids.Ints {
			parts = append(parts, strconv.FormatInt(v, 10))
		}
	case cachestore.Float:
		for _, v := range ids.Floats {
			parts = append(parts, strconv.FormatFloat(v, 'g', -1, 64))
		}
	case cachestore.Text:
		for _, v := range ids.Texts {
			parts = append(parts, "'"+strings.ReplaceAll(v, "'", "''")+"'")
		}
	case cachestore.Timestamp:
		for _, v := range ids.Times {
			parts = append(parts, "'"+v.Format("2006-01-02 15:04:05.999999-07")+"'")
		}
	}
	return parts
}

func tempTableStatements(tmp, column string, ids cachestore.IDSet, opts Options) []string {
	col := sqlTypeFor(ids.Datatype)
	stmts := []string{
		"CREATE TEMP TABLE " + tmp + " (" + column + " " + col + ") ON COMMIT DROP",
	}
	if rows := valueRows(ids); len(rows) > 0 {
		stmts = append(stmts, "INSERT INTO "+tmp+" VALUES ("+strings.Join(rows, "), (")+")")
	}
	if opts.IndexTempTable {
		stmts = append(stmts, "CREATE INDEX ON "+tmp+" ("+column+")")
	}
	if opts.AnalyzeTempTable {
		stmts = append(stmts, "ANALYZE "+tmp)
	}
	return stmts
}

func sqlTypeFor(dt cachestore.Datatype) string {
	switch dt {
	case cachestore.Integer:
		return "BIGINT"
	case cachestore.Float:
		return "DOUBLE PRECISION"
	case cachestore.Timestamp:
		return "TIMESTAMPTZ"
	default:
		return "TEXT"
	}
}
