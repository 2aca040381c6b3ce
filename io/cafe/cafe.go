// Package cafe loads CAFE-style per-family, per-branch tables: the integer
// copy-number change table and the optional branch-significance-probability
// table. Both share the same tab-separated shape: first column family id,
// remaining columns branch keys, missing entries default to 0 (change table)
// or are simply absent (probability table).
package cafe

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ChangeTable is a parsed copy-number change table: family id -> branch key
// -> signed integer delta. Branches absent for a family default to 0 when
// queried via Delta.
type ChangeTable struct {
	FamilyIDs []string
	rows      map[string]map[string]int
}

// Delta returns the per-branch copy-number delta for a family, 0 if the
// branch is not present in the row.
func (c *ChangeTable) Delta(family, branchKey string) int {
	return c.rows[family][branchKey]
}

// ProbabilityTable is a parsed CAFE branch-probability table: family id ->
// branch key -> probability in [0,1].
type ProbabilityTable struct {
	rows map[string]map[string]float64
}

// Probability returns a branch's CAFE significance probability for a
// family, and whether it was present.
func (p *ProbabilityTable) Probability(family, branchKey string) (float64, bool) {
	v, ok := p.rows[family][branchKey]
	return v, ok
}

// ReadChangeTable parses a change table. knownBranch is called for every
// column header to validate it against the canonical tree; an unknown
// branch key is fatal per spec §4.A/§7.
func ReadChangeTable(r io.Reader, knownBranch func(key string) bool) (*ChangeTable, error) {
	header, rows, err := readRows(r)
	if err != nil {
		return nil, err
	}
	for _, h := range header[1:] {
		if !knownBranch(h) {
			return nil, fmt.Errorf("cafe: unknown branch key %q in change table header", h)
		}
	}
	table := &ChangeTable{rows: map[string]map[string]int{}}
	for _, row := range rows {
		famID := row[0]
		table.FamilyIDs = append(table.FamilyIDs, famID)
		vals := map[string]int{}
		for i, col := range header[1:] {
			raw := strings.TrimSpace(row[i+1])
			if raw == "" {
				continue
			}
			v, err := strconv.Atoi(raw)
			if err != nil {
				return nil, fmt.Errorf("cafe: family %q branch %q: invalid integer delta %q", famID, col, raw)
			}
			vals[col] = v
		}
		table.rows[famID] = vals
	}
	return table, nil
}

// ReadProbabilityTable parses a branch-significance-probability table.
func ReadProbabilityTable(r io.Reader, knownBranch func(key string) bool) (*ProbabilityTable, error) {
	header, rows, err := readRows(r)
	if err != nil {
		return nil, err
	}
	for _, h := range header[1:] {
		if !knownBranch(h) {
			return nil, fmt.Errorf("cafe: unknown branch key %q in probability table header", h)
		}
	}
	table := &ProbabilityTable{rows: map[string]map[string]float64{}}
	for _, row := range rows {
		famID := row[0]
		vals := map[string]float64{}
		for i, col := range header[1:] {
			raw := strings.TrimSpace(row[i+1])
			if raw == "" {
				continue
			}
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("cafe: family %q branch %q: invalid probability %q", famID, col, raw)
			}
			if v < 0 || v > 1 {
				return nil, fmt.Errorf("cafe: family %q branch %q: probability %v out of [0,1]", famID, col, v)
			}
			vals[col] = v
		}
		table.rows[famID] = vals
	}
	return table, nil
}

func readRows(r io.Reader) (header []string, rows [][]string, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if lineNo == 1 {
			header = fields
			continue
		}
		if len(fields) != len(header) {
			return nil, nil, fmt.Errorf("cafe: line %d has %d columns, header has %d", lineNo, len(fields), len(header))
		}
		rows = append(rows, fields)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("cafe: %w", err)
	}
	if header == nil {
		return nil, nil, fmt.Errorf("cafe: empty table")
	}
	return header, rows, nil
}
