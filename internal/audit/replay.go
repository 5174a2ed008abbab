package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// JournalFilter selects journal entries for offline inspection.
type JournalFilter struct {
	TenantID string
	UserID   string
	Type     string
	From     time.Time // zero value = no lower bound
	To       time.Time // zero value = no upper bound
}

// JournalSummary counts outcomes across the selected entries.
type JournalSummary struct {
	Total          int     `json:"total"`
	Allowed        int     `json:"allowed"`
	Denied         int     `json:"denied"`
	Errors         int     `json:"errors"`
	Violations     int     `json:"violations"`
	FirstTimestamp string  `json:"first_timestamp"`
	LastTimestamp  string  `json:"last_timestamp"`
	MaxRiskScore   float64 `json:"max_risk_score"`
}

// JournalResult holds the selected entries, oldest first.
type JournalResult struct {
	Entries []JournalEntry `json:"entries"`
	Summary JournalSummary `json:"summary"`
}

// ReadJournal reads a journal file and returns the entries matching filter.
// Malformed lines are skipped.
func ReadJournal(path string, filter JournalFilter) (*JournalResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audit journal: %w", err)
	}
	defer f.Close()

	result := &JournalResult{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var entry JournalEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if !filter.matches(entry) {
			continue
		}
		result.Entries = append(result.Entries, entry)
		result.Summary.add(entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read audit journal: %w", err)
	}
	return result, nil
}

func (f JournalFilter) matches(e JournalEntry) bool {
	if f.TenantID != "" && e.TenantID != f.TenantID {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if !f.From.IsZero() || !f.To.IsZero() {
		ts, err := time.Parse(TimestampFormat, e.Timestamp)
		if err != nil {
			return false
		}
		if !f.From.IsZero() && ts.Before(f.From) {
			return false
		}
		if !f.To.IsZero() && ts.After(f.To) {
			return false
		}
	}
	return true
}

func (s *JournalSummary) add(e JournalEntry) {
	s.Total++
	switch Outcome(e.Outcome) {
	case OutcomeAllowed, OutcomeChecked:
		s.Allowed++
	case OutcomeDenied:
		s.Denied++
	case OutcomeError:
		s.Errors++
	}
	if EventType(e.Type) != EventAccessCheck {
		s.Violations += len(e.Violations)
	}
	if e.RiskScore > s.MaxRiskScore {
		s.MaxRiskScore = e.RiskScore
	}
	if s.FirstTimestamp == "" {
		s.FirstTimestamp = e.Timestamp
	}
	s.LastTimestamp = e.Timestamp
}
