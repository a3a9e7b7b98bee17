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
	"fmt"
	"math"

	"github.com/ctessum/sparse"
	"github.com/sirupsen/logrus"

	"github.com/spatialmodel/epimap"
)

// interceptName keys the intercept in fixed-effect summaries.
const interceptName = "(Intercept)"

// block is one random-effect component of the latent field.
type block struct {
	// column is the index column the block is built on; it keys the
	// block's summaries in the fit result.
	column string
	// part distinguishes the components of a convolution model sharing
	// one column, "besag" and "iid" for BYM. Empty otherwise.
	part string

	// idx holds the 0-based level of each observation.
	idx []int
	// levels is the block length in the latent vector.
	levels int

	// structure is the precision structure matrix; nil means identity
	// (an exchangeable effect).
	structure *sparse.SparseArray
	// rank is the generalized rank of the structure, used by the
	// hyperparameter objective.
	rank float64

	prior epimap.Prior

	// offset is the block's first coordinate in the latent vector.
	offset int
}

// design is a model compiled to numeric form: response, offset, dense
// fixed-effect columns, and the random-effect blocks.
type design struct {
	y, off []float64
	x      [][]float64
	xnames []string
	blocks []*block

	n, p int
	// dim is the latent-field length: p plus all block levels.
	dim int

	threads int
	log     logrus.FieldLogger

	// hbuf is scratch space for Hessian assembly, reused across
	// IRLS iterations.
	hbuf []float64
}

// newDesign compiles the formula over the dataset. The graph file backing
// structured spatial terms is read from workDir unless the formula carries
// an absolute path.
func newDesign(d *epimap.Dataset, f *epimap.Formula, workDir string) (*design, error) {
	t := d.Table
	y := t.Column(f.Response)
	if y == nil {
		return nil, fmt.Errorf("laplace: response column %s is missing", f.Response)
	}
	off := t.Column(f.Offset)
	if off == nil {
		return nil, fmt.Errorf("laplace: offset column %s is missing", f.Offset)
	}
	n := t.Len()
	if n == 0 {
		return nil, fmt.Errorf("laplace: empty dataset")
	}
	for i := 0; i < n; i++ {
		if !isFinite(y[i]) || !isFinite(off[i]) {
			return nil, fmt.Errorf("laplace: non-finite response or offset at record %d", i)
		}
	}

	des := &design{y: y, off: off, n: n, log: logrus.StandardLogger()}
	var g *graphData

	// The graph is loaded at most once even if several terms reference it.
	loadGraph := func() (*graphData, error) {
		if g != nil {
			return g, nil
		}
		var err error
		if g, err = readGraphFile(f.GraphFile, workDir); err != nil {
			return nil, err
		}
		return g, nil
	}

	var fixedCols [][]float64
	des.xnames = []string{}
	addFixed := func(name string, vals []float64) {
		des.xnames = append(des.xnames, name)
		fixedCols = append(fixedCols, vals)
	}

	for _, term := range f.Terms {
		switch term.Kind {
		case epimap.TermIntercept:
			ones := make([]float64, n)
			for i := range ones {
				ones[i] = 1
			}
			addFixed(interceptName, ones)

		case epimap.TermFixed:
			vals := t.Column(term.Column)
			if vals == nil {
				return nil, fmt.Errorf("laplace: fixed-effect column %s is missing", term.Column)
			}
			for i, v := range vals {
				if !isFinite(v) {
					return nil, fmt.Errorf("laplace: non-finite %s at record %d", term.Column, i)
				}
			}
			addFixed(term.Column, vals)

		case epimap.TermIID:
			blk, err := indexBlock(t, term)
			if err != nil {
				return nil, err
			}
			blk.rank = float64(blk.levels)
			des.blocks = append(des.blocks, blk)

		case epimap.TermRW1:
			blk, err := indexBlock(t, term)
			if err != nil {
				return nil, err
			}
			blk.structure = rw1Structure(blk.levels)
			blk.rank = float64(blk.levels - 1)
			des.blocks = append(des.blocks, blk)

		case epimap.TermBesag, epimap.TermBYM:
			blk, err := indexBlock(t, term)
			if err != nil {
				return nil, err
			}
			gd, err := loadGraph()
			if err != nil {
				return nil, err
			}
			if gd.n != blk.levels {
				return nil, fmt.Errorf("laplace: graph has %d nodes for a %d-level term on %s",
					gd.n, blk.levels, term.Column)
			}
			blk.structure = besagStructure(gd)
			blk.rank = float64(blk.levels - gd.components())
			des.blocks = append(des.blocks, blk)

			if term.Kind == epimap.TermBYM {
				blk.part = "besag"
				iid, err := indexBlock(t, term)
				if err != nil {
					return nil, err
				}
				iid.part = "iid"
				iid.rank = float64(iid.levels)
				des.blocks = append(des.blocks, iid)
			}

		default:
			return nil, fmt.Errorf("laplace: unsupported term kind %v", term.Kind)
		}
	}

	des.p = len(fixedCols)
	if des.p == 0 {
		return nil, fmt.Errorf("laplace: formula has no fixed effects")
	}
	des.x = make([][]float64, n)
	for i := 0; i < n; i++ {
		row := make([]float64, des.p)
		for a, col := range fixedCols {
			row[a] = col[i]
		}
		des.x[i] = row
	}

	des.dim = des.p
	for _, blk := range des.blocks {
		blk.offset = des.dim
		des.dim += blk.levels
	}
	return des, nil
}

// indexBlock reads a 1-based integer index column into a block.
func indexBlock(t *epimap.Table, term epimap.Term) (*block, error) {
	vals := t.Column(term.Column)
	if vals == nil {
		return nil, fmt.Errorf("laplace: index column %s is missing", term.Column)
	}
	idx := make([]int, len(vals))
	levels := 0
	for i, v := range vals {
		if !isFinite(v) || v < 1 || v != math.Floor(v) {
			return nil, fmt.Errorf("laplace: column %s is not a 1-based index at record %d (%g)",
				term.Column, i, v)
		}
		idx[i] = int(v) - 1
		if int(v) > levels {
			levels = int(v)
		}
	}
	return &block{column: term.Column, idx: idx, levels: levels, prior: term.Prior}, nil
}

// key names the block for the precision report.
func (b *block) key() string {
	if b.part == "" {
		return b.column
	}
	return b.column + ":" + b.part
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
