package domain

import "time"

// ErrLevelGap is returned when a follow-up level is inserted before its predecessor exists.
var ErrLevelGap = &Error{Code: ECONFLICT, Message: "Previous follow-up level has not been recorded"}

// FollowUpStatus tracks a reminder from reservation to outcome.
type FollowUpStatus string

const (
	FollowUpNotSent FollowUpStatus = "NOT_SENT"
	FollowUpSent    FollowUpStatus = "SENT"
	FollowUpFailed  FollowUpStatus = "FAILED"
)

// FollowUpLog records one escalation level for one invoice.
// A row is inserted as NOT_SENT before the email goes out, which reserves the level.
type FollowUpLog struct {
	ID          string
	InvoiceID   string
	Level       int
	Recipient   string
	Subject     string
	TemplateRef string
	Status      FollowUpStatus
	ScheduledAt time.Time
	SentAt      *time.Time
	MessageID   string
	Error       string
	CreatedAt   time.Time
}

// FollowUpResult patches a reserved level with its send outcome.
type FollowUpResult struct {
	Status    FollowUpStatus
	MessageID string
	Error     string
	At        time.Time
}

// MaxFollowUpLevel returns the highest level recorded, or 0 when none exist.
func MaxFollowUpLevel(logs []FollowUpLog) int {
	max := 0
	for _, l := range logs {
		if l.Level > max {
			max = l.Level
		}
	}
	return max
}
