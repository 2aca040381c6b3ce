// Package nexus extracts the first TREE statement from a NEXUS file.
//
// Full NEXUS block parsing (TAXA, CHARACTERS, translation tables) is out of
// scope per spec §6.1; only the single entry point the pipeline needs is
// implemented: find the first "TREE name = newick;" statement and return its
// right-hand side.
package nexus

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// FirstTree scans r for the first "TREE <name> = <newick>;" statement
// inside a BEGIN TREES; block and returns the Newick substring (including
// its trailing semicolon).
func FirstTree(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var buf strings.Builder
	inTrees := false
	for scanner.Scan() {
		line := scanner.Text()
		upper := strings.ToUpper(strings.TrimSpace(line))
		if !inTrees {
			if strings.HasPrefix(upper, "BEGIN TREES") {
				inTrees = true
			}
			continue
		}
		if strings.HasPrefix(upper, "END") {
			break
		}
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(strings.ToUpper(trimmed), "TREE") {
			buf.Reset()
			buf.WriteString(trimmed)
			for !strings.Contains(buf.String(), ";") && scanner.Scan() {
				buf.WriteString(" ")
				buf.WriteString(strings.TrimSpace(scanner.Text()))
			}
			stmt := buf.String()
			eq := strings.Index(stmt, "=")
			if eq < 0 {
				return "", fmt.Errorf("nexus: malformed TREE statement %q", stmt)
			}
			return strings.TrimSpace(stmt[eq+1:]), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("nexus: %w", err)
	}
	return "", fmt.Errorf("nexus: no TREE statement found in a TREES block")
}
