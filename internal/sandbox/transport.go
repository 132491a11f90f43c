package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/google/uuid"

	"github.com/foxzi/mailrun/internal/email"
	"github.com/foxzi/mailrun/internal/smtp"
)

// BlockMessage is the reply used when a provider block is simulated.
const BlockMessage = "421 4.7.0 Unusual activity detected on this account, try again later"

var simulatedErrors = []string{
	"550 5.1.1 User not found",
	"451 4.3.0 Temporary failure",
	"452 4.2.2 Insufficient storage",
	"554 5.7.1 Message rejected",
}

// TransportOptions configures a capture transport
type TransportOptions struct {
	Storage    *Storage
	Builder    *email.Builder
	CampaignID string
	FailRate   float64 // fraction of sends reported as failed
	BlockAfter int     // report a provider block on send N+1 (0 = never)
	Logger     *slog.Logger
}

// Transport stands in for the relay session during dry runs: every
// message is built exactly as it would be sent and stored in Storage.
type Transport struct {
	storage    *Storage
	builder    *email.Builder
	campaignID string
	failRate   float64
	blockAfter int
	logger     *slog.Logger

	mu        sync.Mutex
	connected bool
	sends     int
	rng       *rand.Rand
}

// NewTransport creates a capture transport
func NewTransport(opts TransportOptions) *Transport {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Builder == nil {
		opts.Builder = email.NewBuilder("sandbox.local", nil, opts.Logger)
	}
	return &Transport{
		storage:    opts.Storage,
		builder:    opts.Builder,
		campaignID: opts.CampaignID,
		failRate:   opts.FailRate,
		blockAfter: opts.BlockAfter,
		logger:     opts.Logger,
		rng:        rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// Connect always succeeds
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = true
	return nil
}

func (t *Transport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
}

// Send builds and captures msg, applying any configured simulation.
func (t *Transport) Send(ctx context.Context, msg *email.Message) (smtp.Outcome, error) {
	raw, err := t.builder.Build(msg)
	if err != nil {
		return smtp.OutcomeFailed, fmt.Errorf("failed to build message: %w", err)
	}

	t.mu.Lock()
	t.connected = true
	t.sends++
	n := t.sends
	simulated := ""
	switch {
	case t.blockAfter > 0 && n > t.blockAfter:
		simulated = BlockMessage
	case t.failRate > 0 && t.rng.Float64() < t.failRate:
		simulated = simulatedErrors[t.rng.IntN(len(simulatedErrors))]
	}
	t.mu.Unlock()

	captured := &Message{
		ID:           uuid.New().String(),
		CampaignID:   t.campaignID,
		Source:       SourceTransport,
		From:         msg.FromEmail,
		To:           msg.Recipients(),
		Subject:      msg.Subject,
		Data:         raw,
		SimulatedErr: simulated,
	}
	if err := t.storage.Save(ctx, captured); err != nil {
		return smtp.OutcomeFailed, fmt.Errorf("sandbox: failed to save message: %w", err)
	}

	if simulated != "" {
		t.logger.Info("sandbox: simulated failure", "id", captured.ID, "to", msg.To, "error", simulated)
		serr := &SimulatedError{Message: simulated, Temporary: simulated[0] == '4'}
		if smtp.IsProviderBlock(simulated) {
			return smtp.OutcomeBlocked, serr
		}
		return smtp.OutcomeFailed, serr
	}

	t.logger.Debug("sandbox: message captured", "id", captured.ID, "to", msg.To)
	return smtp.OutcomeSent, nil
}

// SimulatedError represents a simulated delivery error
type SimulatedError struct {
	Message   string
	Temporary bool
}

func (e *SimulatedError) Error() string {
	return e.Message
}
