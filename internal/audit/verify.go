package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// VerifyResult holds the outcome of a journal chain verification.
type VerifyResult struct {
	Valid     bool           `json:"valid"`
	Lines     int            `json:"lines"`
	ByType    map[string]int `json:"by_type,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorLine int            `json:"error_line,omitempty"`
}

// Verify reads a journal and validates the hash chain, the sequence
// numbers and event id uniqueness. It reports the first broken link.
func Verify(path string) VerifyResult {
	f, err := os.Open(path)
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("open: %v", err)}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	expected := GenesisHash
	seen := map[string]bool{}
	byType := map[string]int{}
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := append([]byte(nil), scanner.Bytes()...)

		var entry JournalEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return VerifyResult{Error: fmt.Sprintf("parse error: %v", err), ErrorLine: lineNum}
		}
		if entry.PrevHash != expected {
			msg := fmt.Sprintf("hash mismatch: expected %s, got %s", expected, entry.PrevHash)
			if lineNum == 1 {
				msg = fmt.Sprintf("first entry prev_hash is %q, expected genesis hash", entry.PrevHash)
			}
			return VerifyResult{Error: msg, ErrorLine: lineNum}
		}
		if entry.Seq != uint64(lineNum) {
			return VerifyResult{Error: fmt.Sprintf("sequence gap: expected %d, got %d", lineNum, entry.Seq), ErrorLine: lineNum}
		}
		if entry.EventID != "" {
			if seen[entry.EventID] {
				return VerifyResult{Error: fmt.Sprintf("duplicate event id %s", entry.EventID), ErrorLine: lineNum}
			}
			seen[entry.EventID] = true
		}
		byType[entry.Type]++
		expected = HashLine(line)
	}
	if err := scanner.Err(); err != nil {
		return VerifyResult{Error: fmt.Sprintf("scan: %v", err)}
	}
	return VerifyResult{Valid: true, Lines: lineNum, ByType: byType}
}
