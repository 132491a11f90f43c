package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/mailrun/internal/config"
	"github.com/foxzi/mailrun/internal/email"
	"github.com/foxzi/mailrun/internal/envfile"
	"github.com/foxzi/mailrun/internal/metrics"
	"github.com/foxzi/mailrun/internal/personalize"
	"github.com/foxzi/mailrun/internal/recipient"
	"github.com/foxzi/mailrun/internal/smtp"
)

// ErrInvalidInput wraps every submission error caused by the caller.
var ErrInvalidInput = errors.New("invalid input")

const pollInterval = 250 * time.Millisecond

// Request is a campaign submission
type Request struct {
	ID          string // generated when empty
	Environment string // named environment supplying missing credentials
	Credentials envfile.Credentials
	Subject     string
	HTML        string
	Text        string
	Attachments []email.Attachment
	Recipients  []recipient.Record
	Options     Options
}

// TestRequest is a single synchronous send
type TestRequest struct {
	To          string
	Environment string
	Credentials envfile.Credentials
	Subject     string
	HTML        string
	Text        string
	Attachments []email.Attachment
}

// ServiceOptions configures a Service
type ServiceOptions struct {
	Store        Store
	Config       config.CampaignConfig
	Environments *envfile.Set // may be nil
	Transports   TransportFactory
	Pacer        Pacer
	Logger       *slog.Logger
}

// Service accepts campaigns, runs each in its own goroutine and answers polls.
type Service struct {
	store        Store
	cfg          config.CampaignConfig
	environments *envfile.Set
	transports   TransportFactory
	pacer        Pacer
	logger       *slog.Logger

	baseCtx   context.Context
	cancelAll context.CancelFunc

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewService creates a Service
func NewService(opts ServiceOptions) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore(opts.Config.LogLimit, opts.Logger)
	}
	if opts.Pacer == nil {
		opts.Pacer = NewRandomPacer()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:        opts.Store,
		cfg:          opts.Config,
		environments: opts.Environments,
		transports:   opts.Transports,
		pacer:        opts.Pacer,
		logger:       opts.Logger,
		baseCtx:      ctx,
		cancelAll:    cancel,
		running:      make(map[string]context.CancelFunc),
	}
}

// DefaultOptions returns the run options used for fields a caller leaves out
func (s *Service) DefaultOptions() Options {
	return Options{
		Personalize:     s.cfg.PersonalizeDefault(),
		DelayBase:       s.cfg.DelayBase,
		MaxEmailsPerDay: s.cfg.MaxEmailsPerDay,
		BatchSize:       s.cfg.BatchSize,
	}
}

// Environments returns the configured environment names
func (s *Service) Environments() []string {
	if s.environments == nil {
		return nil
	}
	return s.environments.Names()
}

func (s *Service) credentials(environment string, given envfile.Credentials) (*envfile.Credentials, error) {
	creds := given
	if environment != "" {
		if s.environments == nil {
			return nil, fmt.Errorf("%w: %s", envfile.ErrUnknownEnvironment, environment)
		}
		env, err := s.environments.Load(environment)
		if err != nil {
			return nil, err
		}
		creds.Merge(env)
	}
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	if !email.ValidAddress(creds.SenderEmail) {
		return nil, fmt.Errorf("invalid sender email %q", creds.SenderEmail)
	}
	return &creds, nil
}

// Submit validates req, registers the campaign and starts it in the
// background. It returns the campaign id as soon as the run is started.
func (s *Service) Submit(req Request) (string, error) {
	creds, err := s.credentials(req.Environment, req.Credentials)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if len(req.Recipients) == 0 {
		return "", fmt.Errorf("%w: recipient list is empty", ErrInvalidInput)
	}
	if req.HTML == "" {
		return "", fmt.Errorf("%w: HTML template is required", ErrInvalidInput)
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	job := &Job{
		ID:          id,
		Recipients:  req.Recipients,
		Subject:     req.Subject,
		HTML:        req.HTML,
		Text:        req.Text,
		Attachments: req.Attachments,
		FromName:    creds.SenderName,
		FromEmail:   creds.SenderEmail,
		Options:     req.Options,
	}
	total, err := job.WorkingSet()
	if err != nil {
		return "", fmt.Errorf("%w: %w (resume %d, %d recipients)", ErrInvalidInput, err, req.Options.ResumeFrom, len(req.Recipients))
	}
	if total == 0 {
		return "", fmt.Errorf("%w: daily cap of %d leaves nothing to send", ErrInvalidInput, req.Options.MaxEmailsPerDay)
	}

	logger := s.logger.With("campaign_id", id)
	if job.Options.Personalize {
		columns := req.Recipients[0].Columns()
		for _, tmpl := range []string{job.HTML, job.Text} {
			if missing := personalize.Missing(tmpl, columns); len(missing) > 0 {
				logger.Warn("template placeholders have no matching column", "placeholders", missing)
			}
		}
	}

	if err := s.store.Create(id, total); err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	s.mu.Lock()
	s.running[id] = cancel
	s.mu.Unlock()

	metrics.CampaignStarted()
	logger.Info("campaign submitted",
		"recipients", len(req.Recipients),
		"working_set", total,
		"resume_from", job.Options.ResumeFrom,
		"sender", creds.SenderEmail,
	)

	s.wg.Add(1)
	go s.run(ctx, job, creds)
	return id, nil
}

func (s *Service) run(ctx context.Context, job *Job, creds *envfile.Credentials) {
	defer s.wg.Done()

	logger := s.logger.With("campaign_id", job.ID)
	reporter := NewReporter(s.store, job.ID, job.Options.ResumeFrom)
	defer func() {
		if p := recover(); p != nil {
			s.release(job.ID)
			logger.Error("campaign panicked", "panic", p)
			reporter.Fail(fmt.Errorf("unexpected error: %v", p))
		}
	}()

	runner := NewRunner(RunnerOptions{
		Transport:     s.transports(job.ID, creds),
		Pacer:         s.pacer,
		Jitter:        s.cfg.Jitter,
		BatchBreakMin: s.cfg.BatchBreakMin,
		BatchBreakMax: s.cfg.BatchBreakMax,
		Logger:        s.logger,
	})

	out, err := runner.Run(ctx, job, reporter)
	// Leave the running set before the final state becomes visible.
	s.release(job.ID)
	if err != nil {
		logger.Error("campaign failed", "error", err)
		reporter.Fail(err)
		return
	}
	status := reporter.Finish(out)
	logger.Info("campaign ended",
		"status", status,
		"halt_reason", out.Halt,
		"next_index", out.NextIndex,
	)
}

func (s *Service) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.running[id]; ok {
		cancel()
		delete(s.running, id)
	}
}

// Get returns a campaign snapshot
func (s *Service) Get(id string) (*Snapshot, error) {
	return s.store.Get(id)
}

// List returns summaries of all campaigns
func (s *Service) List() []*Snapshot {
	return s.store.List()
}

// ActiveCount returns the number of campaigns still sending
func (s *Service) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Stop cancels a running campaign. The run stops before its next
// recipient or pacing pause and the campaign ends paused.
func (s *Service) Stop(id string) error {
	s.mu.Lock()
	cancel, ok := s.running[id]
	s.mu.Unlock()
	if !ok {
		if _, err := s.store.Get(id); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	s.logger.Info("stopping campaign", "campaign_id", id)
	cancel()
	return nil
}

// Wait blocks until the campaign id is no longer running or ctx is done.
func (s *Service) Wait(ctx context.Context, id string) (*Snapshot, error) {
	for {
		snap, err := s.store.Get(id)
		if err != nil {
			return nil, err
		}
		if snap.Terminal() {
			return snap, nil
		}
		if err := sleep(ctx, pollInterval); err != nil {
			return snap, err
		}
	}
}

// Shutdown cancels every running campaign and waits for them to record
// their final state.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancelAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("campaigns did not stop: %w", ctx.Err())
	}
}

// SendTest sends one message synchronously, outside the registry.
func (s *Service) SendTest(ctx context.Context, req TestRequest) error {
	if !email.ValidAddress(req.To) {
		return fmt.Errorf("%w: invalid test address %q", ErrInvalidInput, req.To)
	}
	if req.HTML == "" {
		return fmt.Errorf("%w: HTML template is required", ErrInvalidInput)
	}
	creds, err := s.credentials(req.Environment, req.Credentials)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	subject := req.Subject
	if subject == "" {
		subject = s.cfg.TestSubject
	}

	transport := s.transports("test", creds)
	defer transport.Disconnect()

	outcome, err := transport.Send(ctx, &email.Message{
		FromName:    creds.SenderName,
		FromEmail:   creds.SenderEmail,
		To:          req.To,
		Subject:     subject,
		HTML:        req.HTML,
		Text:        req.Text,
		Attachments: req.Attachments,
	})
	if outcome != smtp.OutcomeSent {
		if err == nil {
			err = fmt.Errorf("relay reported %s", outcome)
		}
		metrics.IncTestMessages("failed")
		s.logger.Warn("test email failed", "to", req.To, "outcome", outcome, "error", err)
		return fmt.Errorf("failed to send test email: %w", err)
	}
	metrics.IncTestMessages("sent")
	s.logger.Info("test email sent", "to", req.To)
	return nil
}
