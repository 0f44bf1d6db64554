// Package fragment implements the Fragment Hasher (C1): parsing a
// SELECT, canonicalizing it so cosmetic variation never perturbs the
// hash, and emitting a stable FragmentHash (spec §4.1).
package fragment

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Hash is a stable 128-bit fragment identifier (spec: "16+ byte
// stable identifier ... truncated SHA-256").
type Hash [16]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// ParseHash parses the hex form produced by String.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(h) {
		return h, fmt.Errorf("fragment: invalid hash %q", s)
	}
	copy(h[:], b)
	return h, nil
}

// distanceFuncs names the bounded-distance predicate forms whose last
// argument is bucketed (spec §4.1 step 3). The bucketed argument index
// is 1-based from the end: ST_DWithin(geom, geom, distance).
var distanceFuncs = map[string]bool{
	"st_dwithin": true,
}

// Options configures canonicalization; BucketStep is the distance
// bucketing granularity (default 1.0, spec's bucket_steps knob).
type Options struct {
	BucketStep float64
}

func DefaultOptions() Options { return Options{BucketStep: 1.0} }

// Canonicalize renders sel into its canonical textual form and hashes
// it. sel must already be within the supported subset (callers build
// it via Parse or by hand, e.g. the decomposer assembling a variant).
func Canonicalize(sel *Select, opts Options) (string, Hash, error) {
	if len(sel.Tables) == 0 {
		return "", Hash{}, fmt.Errorf("fragment: no tables to canonicalize")
	}
	if opts.BucketStep <= 0 {
		opts.BucketStep = 1.0
	}

	tables := append([]TableRef(nil), sel.Tables...)
	sort.Slice(tables, func(i, j int) bool {
		if tables[i].Table != tables[j].Table {
			return tables[i].Table < tables[j].Table
		}
		return tables[i].Alias < tables[j].Alias
	})

	aliasOf := make(map[string]string, len(tables))
	for i, t := range tables {
		aliasOf[t.Alias] = fmt.Sprintf("t%d", i+1)
	}

	targets := make([]string, 0, len(sel.Targets))
	for _, c := range sel.Targets {
		targets = append(targets, renameColumn(c, aliasOf))
	}
	sort.Strings(targets)

	predTexts := make([]string, 0, len(sel.Where))
	for _, p := range sel.Where {
		predTexts = append(predTexts, canonicalPredicate(p, aliasOf, opts))
	}
	sort.Strings(predTexts)

	var b strings.Builder
	b.WriteString("SELECT ")
	if sel.Distinct {
		b.WriteString("DISTINCT ")
	}
	b.WriteString(strings.Join(targets, ","))
	b.WriteString(" FROM ")
	for i, t := range tables {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(t.Table)
		b.WriteString(" ")
		b.WriteString(aliasOf[t.Alias])
	}
	if len(predTexts) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(predTexts, " AND "))
	}

	canonical := b.String()
	sum := sha256.Sum256([]byte(canonical))
	var h Hash
	copy(h[:], sum[:len(h)])
	return canonical, h, nil
}

// CanonicalizeSQL parses raw sql and canonicalizes it in one step;
// returns *pcerrors.UnsupportedSyntaxError for anything outside the
// supported subset.
func CanonicalizeSQL(sql string, opts Options) (string, Hash, error) {
	sel, err := Parse(sql)
	if err != nil {
		return "", Hash{}, err
	}
	return Canonicalize(sel, opts)
}

func renameColumn(c ColumnRef, aliasOf map[string]string) string {
	table := aliasOf[c.Table]
	if table == "" {
		table = c.Table
	}
	return table + "." + c.Column
}

func renameOperand(o Operand, aliasOf map[string]string) string {
	if o.Column != nil {
		return renameColumn(*o.Column, aliasOf)
	}
	return o.Lit.Text
}

// commutativeOps names operators whose operands canonicalize to the
// same fragment regardless of which side the author wrote first;
// sorted here on the already-alias-renamed operand text so that the
// sort is invariant to which table alias happens to come first in the
// original query (spec §4.1's alias-spelling invariance, I2).
var commutativeOps = map[string]bool{"=": true, "<>": true}

func canonicalPredicate(p Predicate, aliasOf map[string]string, opts Options) string {
	if p.Func != "" {
		args := make([]string, len(p.Args))
		for i, a := range p.Args {
			args[i] = renameOperand(a, aliasOf)
		}
		if distanceFuncs[p.Func] && len(args) > 0 {
			args[len(args)-1] = bucketDistance(args[len(args)-1], opts.BucketStep)
		}
		return p.Func + "(" + strings.Join(args, ",") + ")"
	}
	if p.Raw != "" {
		return p.Raw
	}
	left, right := renameOperand(p.Left, aliasOf), renameOperand(p.Right, aliasOf)
	if commutativeOps[p.Op] && right < left {
		left, right = right, left
	}
	return left + p.Op + right
}

// bucketDistance rounds a numeric literal to the nearest multiple of
// step, so numerically close thresholds collapse into one fragment.
// Non-numeric operands (e.g. a bound column) pass through unchanged.
func bucketDistance(text string, step float64) string {
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return text
	}
	bucketed := math.Round(v/step) * step
	s := strconv.FormatFloat(bucketed, 'f', -1, 64)
	return s
}
