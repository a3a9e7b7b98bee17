/*
Copyright © 2023 the EpiMap authors.
This file is part of EpiMap.

EpiMap is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

EpiMap is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with EpiMap.  If not, see <http://www.gnu.org/licenses/>.
*/

package epimap

import (
	"bufio"
	"fmt"
	"os"
	"sort"

	"github.com/ctessum/sparse"
	"github.com/sirupsen/logrus"
)

// Graph is a symmetric county adjacency structure on the dense 1-based
// indices of one analysis run. It must be rebuilt per run because the
// county subset varies with data availability.
type Graph struct {
	// N is the number of counties (nodes).
	N int
	// Edges is the number of undirected adjacencies.
	Edges int

	adj *sparse.SparseArray
}

// BuildGraph restricts the static adjacency edge list to the counties in
// countyIndex and assembles a symmetric adjacency structure on the 1-based
// dense indices. Edges touching counties outside the index are dropped;
// that is the restriction, not an error. The index must be a bijection
// onto 1..N.
func BuildGraph(edges []Edge, countyIndex map[string]int, log logrus.FieldLogger) (*Graph, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	n := len(countyIndex)
	if n == 0 {
		return nil, fmt.Errorf("epimap: building graph: empty county index")
	}
	seen := make([]bool, n+1)
	for c, idx := range countyIndex {
		if idx < 1 || idx > n {
			return nil, fmt.Errorf("epimap: building graph: county %s has index %d outside 1..%d", c, idx, n)
		}
		if seen[idx] {
			return nil, fmt.Errorf("epimap: building graph: duplicate index %d", idx)
		}
		seen[idx] = true
	}

	g := &Graph{N: n, adj: sparse.ZerosSparse(n, n)}
	for _, e := range edges {
		i, ok := countyIndex[e.From]
		if !ok {
			continue
		}
		j, ok := countyIndex[e.To]
		if !ok || i == j {
			continue
		}
		if g.adj.Get(i-1, j-1) == 0 {
			g.adj.Set(1, i-1, j-1)
			g.adj.Set(1, j-1, i-1)
			g.Edges++
		}
	}

	isolated := 0
	for _, nb := range g.neighborLists() {
		if nb != nil && len(nb) == 0 {
			isolated++
		}
	}
	log.WithFields(logrus.Fields{
		"nodes":        g.N,
		"edges":        g.Edges,
		"connectivity": g.ConnectivityRate(),
		"isolated":     isolated,
	}).Info("built adjacency graph")

	return g, nil
}

// ConnectivityRate returns the fraction of possible county pairs that are
// adjacent. It is a diagnostic, not a control input.
func (g *Graph) ConnectivityRate() float64 {
	pairs := float64(g.N) * float64(g.N-1) / 2
	if pairs == 0 {
		return 0
	}
	return float64(g.Edges) / pairs
}

// Adjacent reports whether 1-based nodes i and j share an edge.
func (g *Graph) Adjacent(i, j int) bool {
	return g.adj.Get(i-1, j-1) != 0
}

// Neighbors returns the sorted 1-based neighbor indices of 1-based node i.
func (g *Graph) Neighbors(i int) []int {
	return g.neighborLists()[i]
}

// neighborLists returns per-node sorted neighbor lists indexed 1..N; entry
// 0 is unused but non-nil lists distinguish visited nodes.
func (g *Graph) neighborLists() [][]int {
	out := make([][]int, g.N+1)
	for i := 1; i <= g.N; i++ {
		out[i] = []int{}
	}
	for idx := range g.adj.Elements {
		rc := g.adj.IndexNd(idx)
		out[rc[0]+1] = append(out[rc[0]+1], rc[1]+1)
	}
	for i := 1; i <= g.N; i++ {
		sort.Ints(out[i])
	}
	return out
}

// WriteFile serializes the graph at path in the sparse-graph text format
// the inference engine reads: the node count on the first line, then one
// line per node holding the 1-based node index, its neighbor count, and
// the neighbor indices. The file must be written where the solver process
// resolves it, which is its working directory, not necessarily the
// caller's.
func (g *Graph) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("epimap: writing graph file: %v", err)
	}
	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "%d\n", g.N)
	lists := g.neighborLists()
	for i := 1; i <= g.N; i++ {
		fmt.Fprintf(w, "%d %d", i, len(lists[i]))
		for _, j := range lists[i] {
			fmt.Fprintf(w, " %d", j)
		}
		fmt.Fprintln(w)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("epimap: writing graph file: %v", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("epimap: writing graph file: %v", err)
	}
	return nil
}
