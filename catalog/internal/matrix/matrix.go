// Package matrix projects set/sub-component associations into a dense
// presence grid. Rows and columns are sorted by code, so the same pairs
// always produce the same matrix and the same bytes.
package matrix

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"io"
	"slices"

	"github.com/hazyhaar/brickvault/catalog/internal/store"
)

// Matrix is the presence grid: Grid[i][j] reports whether set Rows[i]
// references sub-component Columns[j].
type Matrix struct {
	Rows    []string `json:"rows"`
	Columns []string `json:"columns"`
	Grid    [][]bool `json:"grid"`
}

// Project builds the matrix from pairs in any order. Duplicate pairs and
// the input order have no effect on the result.
func Project(pairs []store.Association) *Matrix {
	rows := make([]string, 0, len(pairs))
	cols := make([]string, 0, len(pairs))
	for _, p := range pairs {
		rows = append(rows, p.SetCode)
		cols = append(cols, p.SubComponentCode)
	}
	slices.Sort(rows)
	slices.Sort(cols)
	rows = slices.Compact(rows)
	cols = slices.Compact(cols)

	rowIdx := index(rows)
	colIdx := index(cols)
	grid := make([][]bool, len(rows))
	for i := range grid {
		grid[i] = make([]bool, len(cols))
	}
	for _, p := range pairs {
		grid[rowIdx[p.SetCode]][colIdx[p.SubComponentCode]] = true
	}
	return &Matrix{Rows: rows, Columns: cols, Grid: grid}
}

func index(codes []string) map[string]int {
	m := make(map[string]int, len(codes))
	for i, c := range codes {
		m[c] = i
	}
	return m
}

// Has reports whether set references sub.
func (m *Matrix) Has(set, sub string) bool {
	i, ok := slices.BinarySearch(m.Rows, set)
	if !ok {
		return false
	}
	j, ok := slices.BinarySearch(m.Columns, sub)
	if !ok {
		return false
	}
	return m.Grid[i][j]
}

// Cells returns the number of true cells.
func (m *Matrix) Cells() int {
	n := 0
	for _, row := range m.Grid {
		for _, v := range row {
			if v {
				n++
			}
		}
	}
	return n
}

// Render returns the JSON encoding. Empty matrices render empty arrays,
// not null.
func (m *Matrix) Render() ([]byte, error) {
	out := *m
	if out.Rows == nil {
		out.Rows = []string{}
	}
	if out.Columns == nil {
		out.Columns = []string{}
	}
	if out.Grid == nil {
		out.Grid = [][]bool{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(out); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteCSV writes a header of column codes, then one 0/1 line per set.
func (m *Matrix) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(append([]string{"set_code"}, m.Columns...)); err != nil {
		return err
	}
	line := make([]string, len(m.Columns)+1)
	for i, row := range m.Grid {
		line[0] = m.Rows[i]
		for j, v := range row {
			line[j+1] = "0"
			if v {
				line[j+1] = "1"
			}
		}
		if err := cw.Write(line); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
