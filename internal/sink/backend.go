package sink

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/foxzi/mailrun/internal/config"
	"github.com/foxzi/mailrun/internal/sandbox"
)

const (
	maxAuthFailures   = 5
	authBlockDuration = 15 * time.Minute
	authFailureWindow = 5 * time.Minute
)

type authFailure struct {
	count     int
	lastFail  time.Time
	blockedAt time.Time
}

// Backend implements smtp.Backend
type Backend struct {
	storage    *sandbox.Storage
	users      map[string]string
	reject     map[string]bool
	blockAfter int
	logger     *slog.Logger

	mu       sync.Mutex
	accepted int

	authMu       sync.Mutex
	authFailures map[string]*authFailure
}

// NewBackend creates the session backend
func NewBackend(cfg config.SinkConfig, storage *sandbox.Storage, logger *slog.Logger) *Backend {
	reject := make(map[string]bool, len(cfg.RejectRecipients))
	for _, addr := range cfg.RejectRecipients {
		reject[strings.ToLower(strings.TrimSpace(addr))] = true
	}
	return &Backend{
		storage:      storage,
		users:        cfg.Users,
		reject:       reject,
		blockAfter:   cfg.BlockAfter,
		logger:       logger,
		authFailures: make(map[string]*authFailure),
	}
}

// NewSession is called when a new SMTP connection is established
func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return newSession(b, c), nil
}

// Accepted returns how many messages were stored
func (b *Backend) Accepted() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.accepted
}

// reserve claims a delivery slot, or reports that the simulated provider
// block is in force.
func (b *Backend) reserve() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.blockAfter > 0 && b.accepted >= b.blockAfter {
		return false
	}
	b.accepted++
	return true
}

func (b *Backend) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accepted--
}

func (b *Backend) rejects(rcpt string) bool {
	return b.reject[strings.ToLower(rcpt)]
}

func (b *Backend) authBlocked(ip string) bool {
	b.authMu.Lock()
	defer b.authMu.Unlock()
	f, ok := b.authFailures[ip]
	return ok && !f.blockedAt.IsZero() && time.Since(f.blockedAt) < authBlockDuration
}

func (b *Backend) recordAuthFailure(ip string) {
	b.authMu.Lock()
	defer b.authMu.Unlock()

	now := time.Now()
	f, ok := b.authFailures[ip]
	if !ok {
		f = &authFailure{}
		b.authFailures[ip] = f
	}
	if now.Sub(f.lastFail) > authFailureWindow {
		f.count = 0
		f.blockedAt = time.Time{}
	}
	f.count++
	f.lastFail = now
	if f.count >= maxAuthFailures {
		f.blockedAt = now
		b.logger.Warn("IP blocked due to auth failures", "ip", ip, "failures", f.count)
	}
}

func (b *Backend) clearAuthFailure(ip string) {
	b.authMu.Lock()
	defer b.authMu.Unlock()
	delete(b.authFailures, ip)
}
