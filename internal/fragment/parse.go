package fragment

import (
	"fmt"
	"strconv"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/MPoppinga/PartitionCache-sub000/internal/pcerrors"
)

// Parse parses sql with the real PostgreSQL grammar (via pg_query_go,
// bindings onto libpg_query) and lowers it into the Select IR,
// rejecting anything outside the supported subset with
// *pcerrors.UnsupportedSyntaxError. The caller decides whether to fall
// back to uncached execution (spec §7 propagation policy).
func Parse(sql string) (*Select, error) {
	result, err := pg_query.Parse(sql)
	if err != nil {
		return nil, &pcerrors.UnsupportedSyntaxError{Reason: fmt.Sprintf("parse error: %v", err), Query: sql}
	}

	if len(result.Stmts) != 1 {
		return nil, unsupported(sql, "exactly one statement is required")
	}

	stmt := result.Stmts[0].Stmt.GetSelectStmt()
	if stmt == nil {
		return nil, unsupported(sql, "only a SELECT statement is supported")
	}
	return lowerSelectStmt(stmt, sql)
}

func unsupported(sql, reason string) error {
	return &pcerrors.UnsupportedSyntaxError{Reason: reason, Query: sql}
}

func lowerSelectStmt(stmt *pg_query.SelectStmt, sql string) (*Select, error) {
	if stmt.WithClause != nil {
		return nil, unsupported(sql, "CTEs are not supported")
	}
	if stmt.Op != pg_query.SetOperation_SETOP_NONE {
		return nil, unsupported(sql, "set operations (UNION/INTERSECT/EXCEPT) are not supported")
	}
	if len(stmt.GroupClause) > 0 || stmt.HavingClause != nil {
		return nil, unsupported(sql, "GROUP BY/HAVING are not supported in cached fragments")
	}
	if stmt.WindowClause != nil && len(stmt.WindowClause) > 0 {
		return nil, unsupported(sql, "window functions are not supported")
	}

	sel := &Select{Distinct: len(stmt.DistinctClause) > 0}

	for _, n := range stmt.FromClause {
		rv := n.GetRangeVar()
		if rv == nil {
			return nil, unsupported(sql, "FROM clause must be a list of base tables (no JOIN/subquery)")
		}
		alias := rv.Relname
		if rv.Alias != nil && rv.Alias.Aliasname != "" {
			alias = rv.Alias.Aliasname
		}
		sel.Tables = append(sel.Tables, TableRef{Table: rv.Relname, Alias: alias})
	}
	if len(sel.Tables) == 0 {
		return nil, unsupported(sql, "FROM clause must reference at least one table")
	}

	for _, n := range stmt.TargetList {
		rt := n.GetResTarget()
		if rt == nil {
			return nil, unsupported(sql, "unsupported target list entry")
		}
		cr, err := lowerColumnRefExpr(rt.Val, sql)
		if err != nil {
			// Non-column target expressions (e.g. literals, function
			// calls) are permitted in the user query the rewriter
			// preserves, but not inside a cached fragment's target
			// list; the decomposer is the only caller that builds
			// fragments, and it always asks for a bare column.
			continue
		}
		sel.Targets = append(sel.Targets, *cr)
	}

	if stmt.WhereClause != nil {
		preds, err := lowerWhere(stmt.WhereClause, sql)
		if err != nil {
			return nil, err
		}
		sel.Where = preds
	}

	for _, n := range stmt.SortClause {
		if sc := n.GetSortBy(); sc != nil {
			sel.OrderBy = append(sel.OrderBy, exprText(sc.Node))
		}
	}
	if stmt.LimitCount != nil {
		sel.Limit = exprText(stmt.LimitCount)
	}

	return sel, nil
}

func lowerColumnRefExpr(n *pg_query.Node, sql string) (*ColumnRef, error) {
	cref := n.GetColumnRef()
	if cref == nil {
		return nil, unsupported(sql, "expected a column reference")
	}
	return lowerColumnRef(cref, sql)
}

func lowerColumnRef(cref *pg_query.ColumnRef, sql string) (*ColumnRef, error) {
	var parts []string
	for _, f := range cref.Fields {
		if s := f.GetString_(); s != nil {
			parts = append(parts, s.Sval)
			continue
		}
		if f.GetAStar() != nil {
			return nil, unsupported(sql, "star expressions are not supported in fragments")
		}
	}
	switch len(parts) {
	case 1:
		return &ColumnRef{Column: parts[0]}, nil
	case 2:
		return &ColumnRef{Table: parts[0], Column: parts[1]}, nil
	default:
		return nil, unsupported(sql, "unsupported column reference shape")
	}
}

// lowerWhere flattens a top-level AND conjunction into atomic
// predicates. A bare non-AND expression is treated as a single-atom
// conjunction. OR at the top level is unsupported (spec: "WHERE as a
// conjunction of atomic predicates").
func lowerWhere(n *pg_query.Node, sql string) ([]Predicate, error) {
	if be := n.GetBoolExpr(); be != nil {
		switch be.Boolop {
		case pg_query.BoolExprType_AND_EXPR:
			var preds []Predicate
			for _, arg := range be.Args {
				sub, err := lowerWhere(arg, sql)
				if err != nil {
					return nil, err
				}
				preds = append(preds, sub...)
			}
			return preds, nil
		default:
			return nil, unsupported(sql, "WHERE must be a conjunction of atomic predicates (no OR/NOT at top level)")
		}
	}

	// BETWEEN expands into two atoms (spec §4.1 step 3) and so must be
	// handled before the single-atom path below.
	if ae := n.GetAExpr(); ae != nil &&
		(ae.Kind == pg_query.A_Expr_Kind_AEXPR_BETWEEN || ae.Kind == pg_query.A_Expr_Kind_AEXPR_BETWEEN_SYM) {
		return expandBetween(ae, sql)
	}

	pred, err := lowerAtom(n, sql)
	if err != nil {
		return nil, err
	}
	return []Predicate{*pred}, nil
}

func lowerAtom(n *pg_query.Node, sql string) (*Predicate, error) {
	if ae := n.GetAExpr(); ae != nil {
		return lowerAExpr(ae, sql)
	}
	if fc := n.GetFuncCall(); fc != nil {
		return lowerFuncCall(fc, sql)
	}
	return nil, unsupported(sql, "unsupported WHERE atom")
}

func lowerAExpr(ae *pg_query.A_Expr, sql string) (*Predicate, error) {
	op := opName(ae)

	switch ae.Kind {
	case pg_query.A_Expr_Kind_AEXPR_OP:
		left, err := lowerOperand(ae.Lexpr, sql)
		if err != nil {
			return nil, err
		}
		right, err := lowerOperand(ae.Rexpr, sql)
		if err != nil {
			return nil, err
		}
		return &Predicate{Op: op, Left: *left, Right: *right}, nil

	default:
		return nil, unsupported(sql, fmt.Sprintf("unsupported operator kind %v", ae.Kind))
	}
}

// expandBetween lowers `a BETWEEN l AND h` into the two atoms
// `a >= l` and `a <= h` (spec §4.1 step 3).
func expandBetween(ae *pg_query.A_Expr, sql string) ([]Predicate, error) {
	subject, err := lowerOperand(ae.Lexpr, sql)
	if err != nil {
		return nil, err
	}
	list := ae.Rexpr.GetList()
	if list == nil || len(list.Items) != 2 {
		return nil, unsupported(sql, "malformed BETWEEN expression")
	}
	lo, err := lowerOperand(list.Items[0], sql)
	if err != nil {
		return nil, err
	}
	hi, err := lowerOperand(list.Items[1], sql)
	if err != nil {
		return nil, err
	}
	return []Predicate{
		{Op: ">=", Left: *subject, Right: *lo},
		{Op: "<=", Left: *subject, Right: *hi},
	}, nil
}

func lowerFuncCall(fc *pg_query.FuncCall, sql string) (*Predicate, error) {
	var nameParts []string
	for _, n := range fc.Funcname {
		if s := n.GetString_(); s != nil {
			nameParts = append(nameParts, s.Sval)
		}
	}
	name := strings.ToLower(strings.Join(nameParts, "."))

	var args []Operand
	for _, a := range fc.Args {
		op, err := lowerOperand(a, sql)
		if err != nil {
			return nil, err
		}
		args = append(args, *op)
	}
	return &Predicate{Func: name, Args: args}, nil
}

func lowerOperand(n *pg_query.Node, sql string) (*Operand, error) {
	if cref := n.GetColumnRef(); cref != nil {
		c, err := lowerColumnRef(cref, sql)
		if err != nil {
			return nil, err
		}
		op := colOperand(c.Table, c.Column)
		return &op, nil
	}
	if ac := n.GetAConst(); ac != nil {
		op := litOperand(normalizeConst(ac))
		return &op, nil
	}
	if te := n.GetTypeCast(); te != nil {
		return lowerOperand(te.Arg, sql)
	}
	return nil, unsupported(sql, "unsupported operand (only columns and literals are supported in fragments)")
}

// normalizeConst renders an A_Const with no trailing zeros and no
// leading '+' (spec §4.1 step 3).
func normalizeConst(ac *pg_query.A_Const) string {
	switch {
	case ac.GetIval() != nil:
		return strconv.FormatInt(ac.GetIval().Ival, 10)
	case ac.GetFval() != nil:
		return normalizeNumericText(ac.GetFval().Fval)
	case ac.GetSval() != nil:
		return "'" + strings.ReplaceAll(ac.GetSval().Sval, "'", "''") + "'"
	case ac.GetBoolval() != nil:
		if ac.GetBoolval().Boolval {
			return "true"
		}
		return "false"
	case ac.Isnull:
		return "null"
	default:
		return ""
	}
}

func normalizeNumericText(s string) string {
	s = strings.TrimPrefix(s, "+")
	if !strings.Contains(s, ".") {
		return s
	}
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	return s
}

func opName(ae *pg_query.A_Expr) string {
	for _, n := range ae.Name {
		if s := n.GetString_(); s != nil {
			return s.Sval
		}
	}
	return ""
}

func exprText(n *pg_query.Node) string {
	if cref := n.GetColumnRef(); cref != nil {
		c, err := lowerColumnRef(cref, "")
		if err == nil {
			if c.Table != "" {
				return c.Table + "." + c.Column
			}
			return c.Column
		}
	}
	if ac := n.GetAConst(); ac != nil {
		return normalizeConst(ac)
	}
	return ""
}
