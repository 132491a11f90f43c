package campaign

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/foxzi/mailrun/internal/email"
	"github.com/foxzi/mailrun/internal/metrics"
	"github.com/foxzi/mailrun/internal/personalize"
	"github.com/foxzi/mailrun/internal/recipient"
	"github.com/foxzi/mailrun/internal/smtp"
)

// RunnerOptions configures a Runner
type RunnerOptions struct {
	Transport     Transport
	Pacer         Pacer
	Jitter        time.Duration // added on top of the base delay
	BatchBreakMin time.Duration
	BatchBreakMax time.Duration
	Logger        *slog.Logger
}

// Runner walks a recipient list through one Transport. A Runner owns its
// transport for the duration of Run and is not safe for concurrent runs.
type Runner struct {
	transport     Transport
	pacer         Pacer
	jitter        time.Duration
	batchBreakMin time.Duration
	batchBreakMax time.Duration
	logger        *slog.Logger
}

// NewRunner creates a Runner
func NewRunner(opts RunnerOptions) *Runner {
	if opts.Pacer == nil {
		opts.Pacer = NewRandomPacer()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Runner{
		transport:     opts.Transport,
		pacer:         opts.Pacer,
		jitter:        opts.Jitter,
		batchBreakMin: opts.BatchBreakMin,
		batchBreakMax: opts.BatchBreakMax,
		logger:        opts.Logger,
	}
}

// Run sends job to every address in its working set. It returns an error
// only for an invalid resume offset, before any connection is made; every
// other stop is reported through Outcome.Halt. The transport is always
// disconnected on return.
func (r *Runner) Run(ctx context.Context, job *Job, obs Observer) (Outcome, error) {
	if obs == nil {
		obs = ObserverFunc(func(Event) {})
	}
	opts := job.Options
	logger := r.logger.With("campaign_id", job.ID)

	total, err := job.WorkingSet()
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: resume %d, %d recipients", err, opts.ResumeFrom, len(job.Recipients))
	}
	records := job.Recipients[opts.ResumeFrom : opts.ResumeFrom+total]
	if excluded := len(job.Recipients) - opts.ResumeFrom - total; excluded > 0 {
		logger.Warn("daily cap reached, excluding recipients from this run",
			"max_emails_per_day", opts.MaxEmailsPerDay,
			"excluded", excluded,
		)
	}

	out := Outcome{Total: total, NextIndex: opts.ResumeFrom}
	if total == 0 {
		return out, nil
	}

	if err := r.transport.Connect(ctx); err != nil {
		logger.Error("failed to connect to relay", "error", err)
		out.Halt = HaltConnectFailed
		out.Err = err
		return out, nil
	}
	defer r.transport.Disconnect()

	out.Results.Skipped = opts.ResumeFrom
	start := time.Now()
	logger.Info("starting campaign", "recipients", total, "resume_from", opts.ResumeFrom)

	for i, rec := range records {
		index := opts.ResumeFrom + i
		if ctx.Err() != nil {
			return r.canceled(logger, out, index), nil
		}

		addr := rec.Email()
		if addr == "" {
			logger.Warn("skipping recipient without an address", "index", index)
			metrics.IncMessagesSkipped()
			continue
		}

		msg := r.message(job, rec, addr)
		percent := int(math.Round(float64(i+1) / float64(total) * 100))
		obs.Observe(Event{Percent: percent, Phase: PhaseSending, Recipient: addr, Index: index})

		result, err := r.transport.Send(ctx, msg)
		domain := email.DomainLabel(addr)
		switch result {
		case smtp.OutcomeBlocked:
			metrics.IncProviderBlocks()
			logger.Warn("provider block detected, halting campaign",
				"index", index,
				"resume_from", index+1,
				"error", err,
			)
			out.Halt = HaltProviderBlock
			out.NextIndex = index + 1
			out.Err = err
			return out, nil
		case smtp.OutcomeSent:
			out.Results.Success++
			metrics.IncMessagesSent(domain)
			logger.Debug("message sent", "index", index, "to", addr)
			obs.Observe(Event{Percent: percent, Phase: PhaseSent, Recipient: addr, Index: index})
		default:
			out.Results.Failed++
			metrics.IncMessagesFailed(domain)
			logger.Warn("failed to send message", "index", index, "to", addr, "error", err)
			obs.Observe(Event{Percent: percent, Phase: PhaseFailed, Recipient: addr, Index: index})
		}
		out.NextIndex = index + 1

		if i == total-1 {
			break
		}

		if err := sleep(ctx, r.pacer.Delay(opts.DelayBase, opts.DelayBase+r.jitter)); err != nil {
			return r.canceled(logger, out, index+1), nil
		}

		if opts.BatchSize > 0 && (i+1)%opts.BatchSize == 0 {
			logger.Info("taking a break after batch", "batch_size", opts.BatchSize, "index", index)
			r.transport.Disconnect()
			if err := sleep(ctx, r.pacer.Delay(r.batchBreakMin, r.batchBreakMax)); err != nil {
				return r.canceled(logger, out, index+1), nil
			}
			if err := r.transport.Connect(ctx); err != nil {
				logger.Error("failed to reconnect after batch break", "error", err)
				out.Halt = HaltReconnectFailed
				out.Err = err
				return out, nil
			}
		}
	}

	out.NextIndex = opts.ResumeFrom + total
	logger.Info("campaign finished",
		"duration", time.Since(start).Round(time.Millisecond),
		"success", out.Results.Success,
		"failed", out.Results.Failed,
		"skipped", out.Results.Skipped,
	)
	return out, nil
}

func (r *Runner) canceled(logger *slog.Logger, out Outcome, next int) Outcome {
	logger.Info("campaign canceled", "resume_from", next)
	out.Halt = HaltCanceled
	out.NextIndex = next
	out.Err = context.Canceled
	return out
}

// message builds the outgoing message for one record
func (r *Runner) message(job *Job, rec recipient.Record, addr string) *email.Message {
	html, text := job.HTML, job.Text
	if job.Options.Personalize {
		html = personalize.Render(html, rec)
		if text != "" {
			text = personalize.Render(text, rec)
		}
	}
	return &email.Message{
		FromName:    job.FromName,
		FromEmail:   job.FromEmail,
		To:          addr,
		CC:          rec.CC(),
		BCC:         rec.BCC(),
		Subject:     job.Subject,
		HTML:        html,
		Text:        text,
		Attachments: job.Attachments,
	}
}
