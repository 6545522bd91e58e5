package schema

// SLA holds the optional deadlines and escalation stamps a task carries
// under metadata.ansible.sla. Deadlines are epoch milliseconds.
type SLA struct {
	AcceptByAt         int64           `json:"acceptByAt,omitempty"`
	ProgressByAt       int64           `json:"progressByAt,omitempty"`
	CompleteByAt       int64           `json:"completeByAt,omitempty"`
	Escalations        *SLAEscalations `json:"escalations,omitempty"`
	EscalationOutcomes map[string]any  `json:"escalationOutcomes,omitempty"`
}

// SLAEscalations records when each breach type was escalated, so a
// breach fires at most one escalation across sweeps and coordinators.
type SLAEscalations struct {
	AcceptAt   int64 `json:"acceptAt,omitempty"`
	ProgressAt int64 `json:"progressAt,omitempty"`
	CompleteAt int64 `json:"completeAt,omitempty"`
}

// Breach types reported by the SLA sweep.
const (
	BreachAccept   = "accept"
	BreachProgress = "progress"
	BreachComplete = "complete"
)

// TaskSLA extracts the SLA block from a task's metadata, or nil when
// the task carries none.
func TaskSLA(t *Task) *SLA {
	md, ok := t.Metadata["ansible"].(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := md["sla"].(map[string]any)
	if !ok {
		return nil
	}
	var sla SLA
	if err := FromRecord(raw, &sla); err != nil {
		return nil
	}
	return &sla
}

// SetTaskSLA writes the SLA block back into the task's metadata,
// creating the nesting as needed.
func SetTaskSLA(t *Task, sla *SLA) {
	if t.Metadata == nil {
		t.Metadata = make(map[string]any)
	}
	md, ok := t.Metadata["ansible"].(map[string]any)
	if !ok {
		md = make(map[string]any)
		t.Metadata["ansible"] = md
	}
	md["sla"] = ToRecord(sla)
}
