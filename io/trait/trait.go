// Package trait loads the binary species-trait TSV: species column
// auto-detection, trait column auto-selection, and missing-token handling,
// per spec §6.1.
package trait

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// speciesHeaderCandidates lists, in priority order, the case-insensitive
// header names recognized as the species column.
var speciesHeaderCandidates = []string{
	"species", "taxon", "taxon_id", "tip", "label", "name", "scientific_name",
}

var missingTokens = map[string]bool{
	"": true, "NA": true, "N/A": true, "na": true, "n/a": true, "NaN": true, "nan": true,
}

// Table is a parsed trait TSV.
type Table struct {
	header []string
	rows   [][]string
}

// Load reads a trait TSV.
func Load(r io.Reader) (*Table, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var header []string
	var rows [][]string
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if strings.TrimSpace(text) == "" {
			continue
		}
		fields := strings.Split(text, "\t")
		if line == 1 {
			header = fields
			continue
		}
		rows = append(rows, fields)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("trait: %w", err)
	}
	if header == nil {
		return nil, fmt.Errorf("trait: empty trait table")
	}
	return &Table{header: header, rows: rows}, nil
}

// speciesColumn returns the index of the auto-detected species column.
func (t *Table) speciesColumn() int {
	for _, cand := range speciesHeaderCandidates {
		for i, h := range t.header {
			if strings.EqualFold(strings.TrimSpace(h), cand) {
				return i
			}
		}
	}
	return 0
}

// isBinaryColumn reports whether every non-missing value in column i is "0"
// or "1".
func (t *Table) isBinaryColumn(i int) bool {
	any := false
	for _, row := range t.rows {
		if i >= len(row) {
			return false
		}
		v := strings.TrimSpace(row[i])
		if missingTokens[v] {
			continue
		}
		if v != "0" && v != "1" {
			return false
		}
		any = true
	}
	return any
}

// Resolve extracts the species->{0,1} mapping. traitColumn, if non-empty,
// names the trait column explicitly; otherwise exactly one binary column
// (excluding the species column) must exist, or resolution fails with an
// ambiguity error.
func (t *Table) Resolve(traitColumn string) (map[string]int, error) {
	speciesCol := t.speciesColumn()

	traitCol := -1
	if traitColumn != "" {
		for i, h := range t.header {
			if h == traitColumn {
				traitCol = i
				break
			}
		}
		if traitCol < 0 {
			return nil, fmt.Errorf("trait: trait column %q not found in header", traitColumn)
		}
		if !t.isBinaryColumn(traitCol) {
			return nil, fmt.Errorf("trait: column %q is not a binary {0,1} column", traitColumn)
		}
	} else {
		var candidates []int
		for i := range t.header {
			if i == speciesCol {
				continue
			}
			if t.isBinaryColumn(i) {
				candidates = append(candidates, i)
			}
		}
		if len(candidates) != 1 {
			return nil, fmt.Errorf("trait: cannot auto-select trait column (%d binary candidates found); pass --trait_column", len(candidates))
		}
		traitCol = candidates[0]
	}

	result := map[string]int{}
	for ln, row := range t.rows {
		if speciesCol >= len(row) || traitCol >= len(row) {
			return nil, fmt.Errorf("trait: row %d is missing columns", ln+2)
		}
		species := strings.TrimSpace(row[speciesCol])
		raw := strings.TrimSpace(row[traitCol])
		if missingTokens[raw] {
			return nil, fmt.Errorf("trait: species %q has a missing trait value", species)
		}
		if raw != "0" && raw != "1" {
			return nil, fmt.Errorf("trait: species %q has non-binary trait value %q", species, raw)
		}
		v := 0
		if raw == "1" {
			v = 1
		}
		result[species] = v
	}
	return result, nil
}
