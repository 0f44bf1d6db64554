package fragment

// ColumnRef is a table-qualified column reference, e.g. t1.city_id.
type ColumnRef struct {
	Table  string
	Column string
}

// Literal is a normalized literal value. Text already has trailing
// zeros stripped and no leading '+' (spec §4.1 step 3).
type Literal struct {
	Text string
}

// Operand is either a column reference or a literal; exactly one is set.
type Operand struct {
	Column *ColumnRef
	Lit    *Literal
}

func (o Operand) text() string {
	if o.Column != nil {
		return o.Column.Table + "." + o.Column.Column
	}
	return o.Lit.Text
}

func colOperand(table, col string) Operand { return Operand{Column: &ColumnRef{Table: table, Column: col}} }
func litOperand(text string) Operand       { return Operand{Lit: &Literal{Text: text}} }

// Predicate is a single atomic WHERE conjunct. Exactly one of the
// shapes below is populated:
//   - Compare: Left Op Right               (=, <>, <, <=, >, >=, like, ilike)
//   - Func call: Func(Args...)              (ST_DWithin(x, y, d) and similar)
//   - Raw: anything else the canonicalizer does not specially model,
//     kept as opaque but still participates in ordering/hashing.
type Predicate struct {
	Op    string
	Left  Operand
	Right Operand

	Func string
	Args []Operand

	Raw string
}

// TableRef is a base table reference in the FROM clause.
type TableRef struct {
	Table string
	Alias string
}

// Select is the internal representation of a SELECT within the
// supported subset (spec §4.1 step 1): single SELECT, FROM list of
// base tables, WHERE as a conjunction of atomic predicates, optional
// DISTINCT. No CTEs, no set operations, no GROUP BY/HAVING.
type Select struct {
	Distinct bool
	Targets  []ColumnRef
	Tables   []TableRef
	Where    []Predicate

	// OrderBy/Limit are preserved for the rewriter (C5) but play no
	// role in canonicalization/hashing — fragments cached by C1/C2
	// never carry them.
	OrderBy []string
	Limit   string
}
