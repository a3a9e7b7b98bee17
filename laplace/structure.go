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

package laplace

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/ctessum/sparse"
)

// rw1Structure returns the first-order random-walk structure matrix,
// the tridiagonal matrix with 1, 2, ..., 2, 1 on the diagonal and -1 on
// the off-diagonals. Its rank is n-1.
func rw1Structure(n int) *sparse.SparseArray {
	s := sparse.ZerosSparse(n, n)
	for i := 0; i < n; i++ {
		d := 2.0
		if i == 0 || i == n-1 {
			d = 1.0
		}
		if n == 1 {
			d = 0
		}
		s.Set(d, i, i)
		if i > 0 {
			s.Set(-1, i, i-1)
			s.Set(-1, i-1, i)
		}
	}
	return s
}

// besagStructure returns the intrinsic CAR structure matrix for the
// graph: node degree on the diagonal and -1 for each edge. Its rank is
// n minus the number of connected components.
func besagStructure(g *graphData) *sparse.SparseArray {
	s := sparse.ZerosSparse(g.n, g.n)
	for i, nbrs := range g.neighbors {
		s.Set(float64(len(nbrs)), i, i)
		for _, j := range nbrs {
			s.Set(-1, i, j)
		}
	}
	return s
}

// graphData is an adjacency structure read from a graph file. Node
// indices are 0-based here; the file format is 1-based.
type graphData struct {
	n         int
	neighbors [][]int
}

// components counts the connected components of the graph, isolated
// nodes included.
func (g *graphData) components() int {
	seen := make([]bool, g.n)
	count := 0
	stack := make([]int, 0, g.n)
	for start := 0; start < g.n; start++ {
		if seen[start] {
			continue
		}
		count++
		seen[start] = true
		stack = append(stack[:0], start)
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for _, j := range g.neighbors[i] {
				if !seen[j] {
					seen[j] = true
					stack = append(stack, j)
				}
			}
		}
	}
	return count
}

// readGraphFile parses a graph in the sparse text format: the node
// count, then one record per node listing its index, neighbor count,
// and neighbors, all 1-based and whitespace-separated. A relative path
// is resolved against workDir.
func readGraphFile(path, workDir string) (*graphData, error) {
	if path == "" {
		return nil, fmt.Errorf("laplace: structured spatial term without a graph file")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(workDir, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("laplace: opening graph file: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Split(bufio.ScanWords)
	nextInt := func() (int, error) {
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return 0, fmt.Errorf("laplace: reading graph file %s: %v", path, err)
			}
			return 0, fmt.Errorf("laplace: graph file %s is truncated", path)
		}
		v, err := strconv.Atoi(scanner.Text())
		if err != nil {
			return 0, fmt.Errorf("laplace: graph file %s: %v", path, err)
		}
		return v, nil
	}

	n, err := nextInt()
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, fmt.Errorf("laplace: graph file %s declares %d nodes", path, n)
	}
	g := &graphData{n: n, neighbors: make([][]int, n)}
	for row := 0; row < n; row++ {
		node, err := nextInt()
		if err != nil {
			return nil, err
		}
		if node != row+1 {
			return nil, fmt.Errorf("laplace: graph file %s: expected node %d, got %d", path, row+1, node)
		}
		count, err := nextInt()
		if err != nil {
			return nil, err
		}
		if count < 0 || count >= n {
			return nil, fmt.Errorf("laplace: graph file %s: node %d has %d neighbors", path, node, count)
		}
		nbrs := make([]int, 0, count)
		seen := make(map[int]bool, count)
		for k := 0; k < count; k++ {
			j, err := nextInt()
			if err != nil {
				return nil, err
			}
			if j < 1 || j > n || j == node {
				return nil, fmt.Errorf("laplace: graph file %s: node %d lists invalid neighbor %d", path, node, j)
			}
			if seen[j] {
				return nil, fmt.Errorf("laplace: graph file %s: node %d lists neighbor %d twice", path, node, j)
			}
			seen[j] = true
			nbrs = append(nbrs, j-1)
		}
		g.neighbors[row] = nbrs
	}

	// The format lists each edge from both ends.
	for i, nbrs := range g.neighbors {
		for _, j := range nbrs {
			found := false
			for _, k := range g.neighbors[j] {
				if k == i {
					found = true
					break
				}
			}
			if !found {
				return nil, fmt.Errorf("laplace: graph file %s is not symmetric at edge %d-%d", path, i+1, j+1)
			}
		}
	}
	return g, nil
}
