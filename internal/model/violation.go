package model

import "time"

// ViolationType enumerates the anti-cheat signals a client can report.
type ViolationType string

const (
	ViolationTabSwitch       ViolationType = "tab-switch"
	ViolationWindowBlur      ViolationType = "window-blur"
	ViolationCopyAttempt     ViolationType = "copy-attempt"
	ViolationPasteAttempt    ViolationType = "paste-attempt"
	ViolationCutAttempt      ViolationType = "cut-attempt"
	ViolationDevtoolsAttempt ViolationType = "devtools-attempt"
)

// Valid reports whether t is a recognised violation.
func (t ViolationType) Valid() bool {
	switch t {
	case ViolationTabSwitch, ViolationWindowBlur, ViolationCopyAttempt,
		ViolationPasteAttempt, ViolationCutAttempt, ViolationDevtoolsAttempt:
		return true
	}
	return false
}

// ViolationCounts is the per-type tally for one student in one room.
type ViolationCounts map[ViolationType]int

// Total sums all counters.
func (c ViolationCounts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

// ViolationEvent is one reported violation, persisted to the audit log.
type ViolationEvent struct {
	RoomID     string        `json:"room_id"`
	StudentID  string        `json:"student_id"`
	Type       ViolationType `json:"type"`
	Count      int           `json:"count"`
	OccurredAt time.Time     `json:"occurred_at"`
}
