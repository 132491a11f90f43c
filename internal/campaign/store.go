package campaign

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultLogLimit is how many log entries a snapshot carries.
const DefaultLogLimit = 50

// Store tracks campaign state for polling clients. Mutations of one
// campaign are serialized; different campaigns do not contend.
type Store interface {
	// Create registers a running campaign with zero counters.
	Create(id string, total int) error
	// AppendLog appends to the log. Unknown ids are ignored.
	AppendLog(id string, entry LogEntry)
	// UpdateProgress records a recipient phase. Progress never decreases.
	UpdateProgress(id string, percent int, recipient string, phase Phase)
	// Complete marks the campaign completed at 100%.
	Complete(id string, outcome Outcome)
	// Pause marks a canceled campaign paused, keeping its progress.
	Pause(id string, outcome Outcome)
	// Fail marks the campaign failed.
	Fail(id string, results Results, err error)
	// Get returns a snapshot with the most recent log entries.
	Get(id string) (*Snapshot, error)
	// List returns all campaigns, newest first, without logs.
	List() []*Snapshot
}

type entry struct {
	mu   sync.Mutex
	snap Snapshot
	logs []LogEntry
}

// MemoryStore keeps campaigns for the lifetime of the process.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	logLimit int
	logger   *slog.Logger
	now      func() time.Time
}

// NewMemoryStore creates an empty store. logLimit <= 0 selects DefaultLogLimit.
func NewMemoryStore(logLimit int, logger *slog.Logger) *MemoryStore {
	if logLimit <= 0 {
		logLimit = DefaultLogLimit
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &MemoryStore{
		entries:  make(map[string]*entry),
		logLimit: logLimit,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *MemoryStore) Create(id string, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateCampaign, id)
	}
	now := s.now()
	s.entries[id] = &entry{snap: Snapshot{
		ID:        id,
		Status:    StatusRunning,
		Total:     total,
		CreatedAt: now,
		UpdatedAt: now,
	}}
	return nil
}

func (s *MemoryStore) lookup(id string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[id]
}

// update runs fn with the campaign locked. Unknown ids are logged and ignored.
func (s *MemoryStore) update(id, op string, fn func(e *entry)) {
	e := s.lookup(id)
	if e == nil {
		s.logger.Warn("campaign store update for unknown campaign", "campaign_id", id, "op", op)
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e)
	e.snap.UpdatedAt = s.now()
}

func (s *MemoryStore) appendLocked(e *entry, le LogEntry) {
	if le.Timestamp.IsZero() {
		le.Timestamp = s.now()
	}
	e.logs = append(e.logs, le)
}

func (s *MemoryStore) AppendLog(id string, le LogEntry) {
	s.update(id, "append_log", func(e *entry) {
		s.appendLocked(e, le)
	})
}

func (s *MemoryStore) UpdateProgress(id string, percent int, recipient string, phase Phase) {
	s.update(id, "update_progress", func(e *entry) {
		if percent > e.snap.Progress {
			e.snap.Progress = min(percent, 100)
		}
		if recipient == "" {
			return
		}
		switch phase {
		case PhaseSending:
			s.appendLocked(e, LogEntry{Recipient: recipient, Status: LogPending, Message: "Preparing to send email"})
		case PhaseSent:
			s.appendLocked(e, LogEntry{Recipient: recipient, Status: LogSent, Message: "Email sent successfully"})
		case PhaseFailed:
			s.appendLocked(e, LogEntry{
				Recipient: recipient,
				Status:    LogFailed,
				Message:   "Failed to send email",
				Details:   "SMTP error or connection issue",
			})
		}
	})
}

func (s *MemoryStore) Complete(id string, out Outcome) {
	s.update(id, "complete", func(e *entry) {
		e.snap.Status = StatusCompleted
		e.snap.Progress = 100
		s.finishLocked(e, out)
	})
}

func (s *MemoryStore) Pause(id string, out Outcome) {
	s.update(id, "pause", func(e *entry) {
		e.snap.Status = StatusPaused
		s.finishLocked(e, out)
	})
}

func (s *MemoryStore) finishLocked(e *entry, out Outcome) {
	e.snap.Results = out.Results
	e.snap.HaltReason = out.Halt
	e.snap.NextIndex = out.NextIndex

	var msg, details string
	switch out.Halt {
	case HaltNone:
		return
	case HaltProviderBlock:
		msg = "Campaign halted: provider block detected"
		details = fmt.Sprintf("Resume later from index %d", out.NextIndex)
	case HaltConnectFailed:
		msg = "Campaign halted: could not connect to relay"
	case HaltReconnectFailed:
		msg = "Campaign halted: could not reconnect after batch break"
		details = fmt.Sprintf("Resume from index %d", out.NextIndex)
	case HaltCanceled:
		msg = "Campaign stopped"
		details = fmt.Sprintf("Resume from index %d", out.NextIndex)
	}
	if details == "" && out.Err != nil {
		details = out.Err.Error()
	}
	s.appendLocked(e, LogEntry{Recipient: "system", Status: LogError, Message: msg, Details: details})
}

func (s *MemoryStore) Fail(id string, results Results, err error) {
	s.update(id, "fail", func(e *entry) {
		e.snap.Status = StatusFailed
		e.snap.Results = results
		details := ""
		if err != nil {
			details = err.Error()
		}
		s.appendLocked(e, LogEntry{Recipient: "system", Status: LogError, Message: "Campaign failed", Details: details})
	})
}

func (s *MemoryStore) Get(id string) (*Snapshot, error) {
	e := s.lookup(id)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrCampaignNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := e.snap
	logs := e.logs
	if len(logs) > s.logLimit {
		logs = logs[len(logs)-s.logLimit:]
	}
	snap.Logs = append([]LogEntry(nil), logs...)
	return &snap, nil
}

func (s *MemoryStore) List() []*Snapshot {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]*Snapshot, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		snap := e.snap
		e.mu.Unlock()
		out = append(out, &snap)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}
