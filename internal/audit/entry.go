package audit

// JournalEntry is the flattened form of an Event written to the journal.
// Only fixed fields and string slices are used; metadata maps and check
// details stay in the in-memory log and the structured sinks.
type JournalEntry struct {
	Seq        uint64   `json:"seq"`
	Timestamp  string   `json:"ts"`
	EventID    string   `json:"event_id"`
	Type       string   `json:"type"`
	Severity   string   `json:"severity"`
	TenantID   string   `json:"tenant_id,omitempty"`
	UserID     string   `json:"user_id,omitempty"`
	Role       string   `json:"role,omitempty"`
	Operation  string   `json:"operation,omitempty"`
	Outcome    string   `json:"outcome"`
	ErrorCode  string   `json:"error_code,omitempty"`
	Reason     string   `json:"reason,omitempty"`
	RiskScore  float64  `json:"risk_score"`
	Violations []string `json:"violations,omitempty"`
	Censors    []string `json:"censors,omitempty"`
	PrevHash   string   `json:"prev_hash"`
}

// TimestampFormat is the layout used in journal timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// entryFromEvent flattens violations to "type:severity" pairs.
func entryFromEvent(ev *Event) JournalEntry {
	e := JournalEntry{
		Timestamp: ev.Timestamp.UTC().Format(TimestampFormat),
		EventID:   ev.ID,
		Type:      string(ev.Type),
		Severity:  severityOf(ev),
		TenantID:  ev.TenantID,
		UserID:    ev.UserID,
		Role:      string(ev.Role),
		Operation: ev.Operation,
		Outcome:   string(ev.Outcome),
		ErrorCode: string(ev.ErrorCode),
		Reason:    ev.Reason,
		RiskScore: ev.RiskScore,
	}
	for _, v := range ev.Violations {
		e.Violations = append(e.Violations, string(v.Type)+":"+string(v.Severity))
	}
	if ev.Output != nil {
		e.Censors = append(e.Censors, ev.Output.CensorsApplied...)
	}
	return e
}
