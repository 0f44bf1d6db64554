package decompose

import (
	"sort"

	"github.com/MPoppinga/PartitionCache-sub000/internal/fragment"
)

// tableGraph is the undirected table graph from spec §4.2: nodes are
// table aliases, edges are WHERE atoms referencing >= 2 aliases.
type tableGraph struct {
	aliases []string
	edges   map[string]map[string]bool
}

func buildGraph(aliases []string, preds []fragment.Predicate) *tableGraph {
	g := &tableGraph{edges: make(map[string]map[string]bool, len(aliases))}
	g.aliases = append(g.aliases, aliases...)
	for _, a := range aliases {
		g.edges[a] = make(map[string]bool)
	}

	for _, p := range preds {
		refs := referencedAliases(p)
		for i := 0; i < len(refs); i++ {
			for j := i + 1; j < len(refs); j++ {
				g.addEdge(refs[i], refs[j])
			}
		}
	}
	return g
}

func (g *tableGraph) addEdge(a, b string) {
	if a == b {
		return
	}
	if _, ok := g.edges[a]; !ok {
		g.edges[a] = make(map[string]bool)
	}
	if _, ok := g.edges[b]; !ok {
		g.edges[b] = make(map[string]bool)
	}
	g.edges[a][b] = true
	g.edges[b][a] = true
}

func referencedAliases(p fragment.Predicate) []string {
	seen := map[string]bool{}
	add := func(o fragment.Operand) {
		if o.Column != nil && o.Column.Table != "" {
			seen[o.Column.Table] = true
		}
	}
	add(p.Left)
	add(p.Right)
	for _, a := range p.Args {
		add(a)
	}
	out := make([]string, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// connected reports whether subset forms a single connected component
// of g (an isolated single-node subset is trivially connected).
func (g *tableGraph) connected(subset []string) bool {
	if len(subset) <= 1 {
		return true
	}
	in := make(map[string]bool, len(subset))
	for _, a := range subset {
		in[a] = true
	}
	visited := map[string]bool{subset[0]: true}
	stack := []string{subset[0]}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for nbr := range g.edges[cur] {
			if in[nbr] && !visited[nbr] {
				visited[nbr] = true
				stack = append(stack, nbr)
			}
		}
	}
	return len(visited) == len(subset)
}

// subsets enumerates every non-empty subset of aliases whose size is
// within [minSize, maxSize] (maxSize <= 0 means unbounded), in
// deterministic (size, then lexicographic) order.
func subsets(aliases []string, minSize, maxSize int) [][]string {
	n := len(aliases)
	if maxSize <= 0 || maxSize > n {
		maxSize = n
	}
	sorted := append([]string(nil), aliases...)
	sort.Strings(sorted)

	var out [][]string
	for size := 1; size <= n; size++ {
		if size < minSize || size > maxSize {
			continue
		}
		combinations(sorted, size, func(c []string) {
			cp := append([]string(nil), c...)
			out = append(out, cp)
		})
	}
	return out
}

// combinations calls fn once per size-k combination of items, in
// lexicographic order, without allocating the full power set upfront.
func combinations(items []string, k int, fn func([]string)) {
	n := len(items)
	if k > n {
		return
	}
	idx := make([]int, k)
	for i := range idx {
		idx[i] = i
	}
	for {
		cur := make([]string, k)
		for i, p := range idx {
			cur[i] = items[p]
		}
		fn(cur)

		i := k - 1
		for i >= 0 && idx[i] == i+n-k {
			i--
		}
		if i < 0 {
			return
		}
		idx[i]++
		for j := i + 1; j < k; j++ {
			idx[j] = idx[j-1] + 1
		}
	}
}
