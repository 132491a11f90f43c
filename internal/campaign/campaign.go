// Package campaign runs bulk sends: the paced per-recipient loop, the
// in-memory registry that tracks each run, and the service the API and CLI
// submit through.
package campaign

import (
	"context"
	"errors"
	"time"

	"github.com/foxzi/mailrun/internal/email"
	"github.com/foxzi/mailrun/internal/recipient"
	"github.com/foxzi/mailrun/internal/smtp"
)

var (
	ErrCampaignNotFound  = errors.New("campaign not found")
	ErrDuplicateCampaign = errors.New("campaign already exists")
	ErrResumeOutOfRange  = errors.New("resume index is past the end of the recipient list")
	ErrNotRunning        = errors.New("campaign is not running")
)

// Status is the lifecycle state of a campaign
type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// HaltReason explains why a run stopped before the end of its list.
type HaltReason string

const (
	HaltNone            HaltReason = ""
	HaltProviderBlock   HaltReason = "provider_block"
	HaltConnectFailed   HaltReason = "connect_failed"
	HaltReconnectFailed HaltReason = "reconnect_failed"
	HaltCanceled        HaltReason = "canceled"
)

// Phase is the step of a single recipient reported to an Observer
type Phase string

const (
	PhaseSending Phase = "sending"
	PhaseSent    Phase = "sent"
	PhaseFailed  Phase = "failed"
)

// Log entry status tags
const (
	LogPending = "pending"
	LogSent    = "sent"
	LogFailed  = "failed"
	LogError   = "error"
)

// Results are the cumulative counters of a run. Skipped counts the records
// passed over by the resume offset.
type Results struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// LogEntry is one line of a campaign's activity log
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Recipient string    `json:"recipient"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Details   string    `json:"details,omitempty"`
}

// Options controls pacing and slicing of one run
type Options struct {
	Personalize     bool
	DelayBase       time.Duration
	MaxEmailsPerDay int // 0 sends nothing
	BatchSize       int // 0 = no batch breaks
	ResumeFrom      int
}

// Job is everything a run needs besides the transport
type Job struct {
	ID          string
	Recipients  []recipient.Record
	Subject     string
	HTML        string
	Text        string
	Attachments []email.Attachment
	FromName    string
	FromEmail   string
	Options     Options
}

// WorkingSet returns how many records a run of the job will walk, after
// the resume offset and the daily cap are applied.
func (j *Job) WorkingSet() (int, error) {
	n := len(j.Recipients)
	resume := j.Options.ResumeFrom
	if resume < 0 || (resume > 0 && resume >= n) {
		return 0, ErrResumeOutOfRange
	}
	n -= resume
	if limit := max(j.Options.MaxEmailsPerDay, 0); n > limit {
		n = limit
	}
	return n, nil
}

// Event is emitted for every recipient phase, in send order.
type Event struct {
	Percent   int
	Phase     Phase
	Recipient string
	Index     int // position in the full recipient list
}

// Observer receives run events synchronously
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

// Outcome is the result of a run.
type Outcome struct {
	Results   Results
	Halt      HaltReason
	NextIndex int // resume offset for a follow-up run
	Total     int
	Err       error // cause of a halt, if any
}

// Transport is the relay session a run drives. smtp.Transport and
// sandbox.Transport implement it.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect()
	Send(ctx context.Context, msg *email.Message) (smtp.Outcome, error)
}

// Snapshot is a point-in-time copy of a campaign
type Snapshot struct {
	ID         string     `json:"id"`
	Status     Status     `json:"status"`
	Progress   int        `json:"progress"`
	Results    Results    `json:"results"`
	Total      int        `json:"total"`
	HaltReason HaltReason `json:"halt_reason,omitempty"`
	NextIndex  int        `json:"next_index"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	Logs       []LogEntry `json:"logs,omitempty"`
}

// Terminal reports whether the campaign has stopped running
func (s *Snapshot) Terminal() bool {
	return s.Status != StatusRunning
}
