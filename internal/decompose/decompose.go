// Package decompose implements the Query Decomposer (C2): enumerating
// the meaningful sub-SELECTs of a user query whose "set of partition
// identifiers present in any row" can be cached independently (spec
// §4.2).
package decompose

import (
	"sort"
	"strings"

	"github.com/MPoppinga/PartitionCache-sub000/internal/fragment"
)

// Options configures enumeration; defaults mirror spec §4.2.
type Options struct {
	FollowGraph       bool // R1; default true
	MinComponentSize  int  // R2; default 1
	MaxComponentSize  int  // R2; 0 = unbounded
	FixAttributes     bool // R5
	SuppressWarnings  bool // suppresses R3 warnings, does not skip the variant
	StarJoinPrefix    string
	StarJoinAliases   map[string]bool // explicit designation, keyed by alias
	DropAttributesFor map[string][]string
	DropAdditional    bool // emit both the original and the broader (dropped) variant
	ExtraPredicates   map[string][]fragment.Predicate
	Bucket            fragment.Options
}

// DefaultOptions returns the spec's stated defaults.
func DefaultOptions() Options {
	return Options{
		FollowGraph:      true,
		MinComponentSize: 1,
		MaxComponentSize: 0,
		StarJoinPrefix:   "p0",
		Bucket:           fragment.DefaultOptions(),
	}
}

// Variant is one emitted sub-SELECT together with its fragment hash.
type Variant struct {
	SQL      string
	Hash     fragment.Hash
	Tables   []string // aliases included, in canonical sort order
	Warnings []string
}

// Decompose enumerates the variants of sel for partitionKey, in a
// deterministic order so a cache warmer and a cache reader produce
// the same hash sequence for the same input ("Termination &
// ordering").
func Decompose(sel *fragment.Select, partitionKey string, opts Options) ([]Variant, error) {
	tablesByAlias := make(map[string]fragment.TableRef, len(sel.Tables))
	for _, t := range sel.Tables {
		tablesByAlias[t.Alias] = t
	}

	starJoin, base := splitStarJoin(sel, partitionKey, opts)

	var subsetList [][]string
	if len(base) == 0 {
		// Every table is a star-join table (degenerate but valid): the
		// only "subset" is the star-join set itself.
		subsetList = [][]string{nil}
	} else {
		g := buildGraph(base, sel.Where)
		for _, s := range subsets(base, opts.MinComponentSize, opts.MaxComponentSize) {
			// A star-join table is re-added with partition-key joins to
			// every alias (R4), so with one present every subset is
			// connected through it.
			if opts.FollowGraph && len(starJoin) == 0 && !g.connected(s) {
				continue
			}
			subsetList = append(subsetList, s)
		}
	}

	var variants []Variant
	for _, subset := range subsetList {
		full := append(append([]string(nil), subset...), starJoin...)
		sort.Strings(full)
		if len(full) == 0 {
			continue
		}

		baseVariant, warnings := buildVariant(sel, tablesByAlias, full, subset, starJoin, partitionKey, opts)
		v, err := emit(baseVariant, full, warnings, opts.Bucket)
		if err != nil {
			return nil, err
		}
		variants = append(variants, v)

		if opts.DropAdditional && len(opts.DropAttributesFor) > 0 {
			broader := *baseVariant
			broader.Where = dropAttributes(baseVariant.Where, opts.DropAttributesFor)
			bv, err := emit(&broader, full, warnings, opts.Bucket)
			if err != nil {
				return nil, err
			}
			variants = append(variants, bv)
		}
	}

	return variants, nil
}

// splitStarJoin separates star-join ("partition-join") tables from
// the base enumeration set (R4). A table is a star-join table if its
// alias carries the sentinel prefix, is explicitly designated, or
// joins every other table with no non-partition-key predicate of its
// own.
func splitStarJoin(sel *fragment.Select, partitionKey string, opts Options) (starJoin, base []string) {
	prefix := opts.StarJoinPrefix
	if prefix == "" {
		prefix = "p0"
	}

	allAliases := make([]string, 0, len(sel.Tables))
	for _, t := range sel.Tables {
		allAliases = append(allAliases, t.Alias)
	}

	g := buildGraph(allAliases, sel.Where)

	isStarJoin := func(alias string) bool {
		if strings.HasPrefix(alias, prefix) {
			return true
		}
		if opts.StarJoinAliases != nil && opts.StarJoinAliases[alias] {
			return true
		}
		joinsEveryOther := len(g.edges[alias]) == len(allAliases)-1
		if !joinsEveryOther {
			return false
		}
		return !hasNonPartitionKeyPredicate(sel.Where, alias, partitionKey)
	}

	for _, a := range allAliases {
		if isStarJoin(a) {
			starJoin = append(starJoin, a)
		} else {
			base = append(base, a)
		}
	}
	sort.Strings(starJoin)
	sort.Strings(base)
	return starJoin, base
}

// hasNonPartitionKeyPredicate reports whether any single-table
// predicate on alias references a column other than partitionKey —
// disqualifying it from star-join status.
func hasNonPartitionKeyPredicate(preds []fragment.Predicate, alias, partitionKey string) bool {
	touches := func(o fragment.Operand) bool {
		return o.Column != nil && o.Column.Table == alias && o.Column.Column != partitionKey
	}
	for _, p := range preds {
		if len(referencedAliases(p)) >= 2 {
			continue
		}
		if touches(p.Left) || touches(p.Right) {
			return true
		}
		for _, a := range p.Args {
			if touches(a) {
				return true
			}
		}
	}
	return false
}

type variantBuild struct {
	Distinct bool
	Target   fragment.ColumnRef
	Tables   []fragment.TableRef
	Where    []fragment.Predicate
}

func buildVariant(sel *fragment.Select, byAlias map[string]fragment.TableRef, full, base, starJoin []string, partitionKey string, opts Options) (*variantBuild, []string) {
	var warnings []string

	in := make(map[string]bool, len(full))
	for _, a := range full {
		in[a] = true
	}

	vb := &variantBuild{Distinct: true}
	for _, a := range full {
		if t, ok := byAlias[a]; ok {
			vb.Tables = append(vb.Tables, t)
		}
	}

	// R3: every alias in the subset must expose the partition key
	// column; the decomposer cannot verify this against a schema, so
	// it is surfaced as a warning rather than enforced.
	if !opts.SuppressWarnings {
		for _, a := range base {
			warnings = append(warnings, "alias "+a+" assumed to expose partition key "+partitionKey)
		}
	}

	// Atoms fully inside the subset (including the star-join atoms
	// re-added below).
	for _, p := range sel.Where {
		refs := referencedAliases(p)
		if allIn(refs, in) {
			vb.Where = append(vb.Where, p)
		}
	}

	// R4: re-add star-join tables with partition-key-equality joins to
	// every other alias in the subset.
	for _, sj := range starJoin {
		if !in[sj] {
			continue
		}
		for _, other := range base {
			if !in[other] || other == sj {
				continue
			}
			vb.Where = append(vb.Where, fragment.Predicate{
				Op:    "=",
				Left:  col(sj, partitionKey),
				Right: col(other, partitionKey),
			})
		}
	}

	// Constraint surgery: inject extra predicates per named table.
	for alias, extra := range opts.ExtraPredicates {
		if in[alias] {
			vb.Where = append(vb.Where, extra...)
		}
	}

	// R6: drop predicates (non-additional form — additional form is
	// handled by the caller emitting a second, broader variant).
	if len(opts.DropAttributesFor) > 0 && !opts.DropAdditional {
		vb.Where = dropAttributes(vb.Where, opts.DropAttributesFor)
	}

	// R5: attribute fixing — only keep atoms whose referenced columns
	// were present in the original query's target/where/tables (here,
	// approximated as: every column referenced must belong to a table
	// in the original FROM list, which is always true by construction;
	// a stricter reading — only original WHERE atoms, no synthetic
	// star-join joins — is honored by leaving synthetic joins out when
	// FixAttributes is set).
	if opts.FixAttributes {
		vb.Where = filterOriginalAtoms(vb.Where, sel.Where)
	}

	// Pick the partition-key target deterministically: the
	// lexicographically first alias in the subset.
	anchor := full[0]
	vb.Target = fragment.ColumnRef{Table: anchor, Column: partitionKey}

	return vb, warnings
}

func col(table, column string) fragment.Operand {
	return fragment.Operand{Column: &fragment.ColumnRef{Table: table, Column: column}}
}

func allIn(refs []string, in map[string]bool) bool {
	for _, r := range refs {
		if !in[r] {
			return false
		}
	}
	return true
}

func dropAttributes(preds []fragment.Predicate, drop map[string][]string) []fragment.Predicate {
	isDropped := func(o fragment.Operand) bool {
		if o.Column == nil {
			return false
		}
		for _, attr := range drop[o.Column.Table] {
			if o.Column.Column == attr {
				return true
			}
		}
		return false
	}
	var out []fragment.Predicate
	for _, p := range preds {
		if isDropped(p.Left) || isDropped(p.Right) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func filterOriginalAtoms(variantPreds, originalPreds []fragment.Predicate) []fragment.Predicate {
	orig := make(map[string]bool, len(originalPreds))
	for _, p := range originalPreds {
		orig[predicateKey(p)] = true
	}
	var out []fragment.Predicate
	for _, p := range variantPreds {
		if orig[predicateKey(p)] {
			out = append(out, p)
		}
	}
	return out
}

func predicateKey(p fragment.Predicate) string {
	operand := func(o fragment.Operand) string {
		switch {
		case o.Column != nil:
			return o.Column.Table + "." + o.Column.Column
		case o.Lit != nil:
			return o.Lit.Text
		}
		return ""
	}
	key := p.Func + "|" + p.Op + "|" + p.Raw + "|" + operand(p.Left) + "|" + operand(p.Right)
	for _, a := range p.Args {
		key += "|" + operand(a)
	}
	return key
}

func emit(vb *variantBuild, full []string, warnings []string, bucket fragment.Options) (Variant, error) {
	sel := &fragment.Select{
		Distinct: vb.Distinct,
		Targets:  []fragment.ColumnRef{vb.Target},
		Tables:   vb.Tables,
		Where:    vb.Where,
	}
	sql, h, err := fragment.Canonicalize(sel, bucket)
	if err != nil {
		return Variant{}, err
	}
	return Variant{SQL: sql, Hash: h, Tables: append([]string(nil), full...), Warnings: warnings}, nil
}
