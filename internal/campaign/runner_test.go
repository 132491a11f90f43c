package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/foxzi/mailrun/internal/email"
	"github.com/foxzi/mailrun/internal/recipient"
	"github.com/foxzi/mailrun/internal/smtp"
)

// fakeTransport records the calls a run makes, in order.
type fakeTransport struct {
	mu          sync.Mutex
	calls       []string
	sent        []*email.Message
	connects    int
	disconnects int

	connectErr func(n int) error                             // n counts from 1
	send       func(n int, msg *email.Message) (smtp.Outcome, error) // n counts from 1
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	f.calls = append(f.calls, "connect")
	if f.connectErr != nil {
		return f.connectErr(f.connects)
	}
	return nil
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.calls = append(f.calls, "disconnect")
}

func (f *fakeTransport) Send(ctx context.Context, msg *email.Message) (smtp.Outcome, error) {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.calls = append(f.calls, "send:"+msg.To)
	n := len(f.sent)
	send := f.send
	f.mu.Unlock()

	if send != nil {
		return send(n, msg)
	}
	return smtp.OutcomeSent, nil
}

func (f *fakeTransport) sends() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// recordingPacer returns zero delays and remembers what it was asked for.
type recordingPacer struct {
	mu    sync.Mutex
	calls [][2]time.Duration
}

func (p *recordingPacer) Delay(min, max time.Duration) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, [2]time.Duration{min, max})
	return 0
}

func records(n int) []recipient.Record {
	out := make([]recipient.Record, n)
	for i := range out {
		out[i] = recipient.NewRecord(
			[]string{"Email", "Name"},
			[]string{fmt.Sprintf("user%d@example.com", i), fmt.Sprintf("User %d", i)},
		)
	}
	return out
}

// noCap is a daily cap larger than any list the tests build.
const noCap = 1000

func newJob(recs []recipient.Record, opts Options) *Job {
	return &Job{
		ID:         "test",
		Recipients: recs,
		Subject:    "Hello",
		HTML:       "<p>Hi {{Name}}</p>",
		FromName:   "Sender",
		FromEmail:  "sender@example.com",
		Options:    opts,
	}
}

func newTestRunner(tr Transport) *Runner {
	return NewRunner(RunnerOptions{
		Transport:     tr,
		Pacer:         NoDelay{},
		Jitter:        5 * time.Second,
		BatchBreakMin: 5 * time.Second,
		BatchBreakMax: 10 * time.Second,
	})
}

func TestRunSendsAll(t *testing.T) {
	tr := &fakeTransport{}
	var events []Event
	obs := ObserverFunc(func(e Event) { events = append(events, e) })

	out, err := newTestRunner(tr).Run(context.Background(), newJob(records(3), Options{MaxEmailsPerDay: noCap}), obs)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if out.Results != (Results{Success: 3}) {
		t.Errorf("Results = %+v", out.Results)
	}
	if out.Halt != HaltNone || out.NextIndex != 3 || out.Total != 3 {
		t.Errorf("Outcome = %+v", out)
	}
	if tr.connects != 1 || tr.disconnects != 1 {
		t.Errorf("connects = %d, disconnects = %d, want 1 and 1", tr.connects, tr.disconnects)
	}

	wantPhases := []Phase{PhaseSending, PhaseSent, PhaseSending, PhaseSent, PhaseSending, PhaseSent}
	if len(events) != len(wantPhases) {
		t.Fatalf("got %d events, want %d", len(events), len(wantPhases))
	}
	for i, e := range events {
		if e.Phase != wantPhases[i] {
			t.Errorf("event %d phase = %s, want %s", i, e.Phase, wantPhases[i])
		}
	}
	if events[0].Percent != 33 || events[2].Percent != 67 || events[5].Percent != 100 {
		t.Errorf("percents = %d, %d, %d", events[0].Percent, events[2].Percent, events[5].Percent)
	}
	if events[4].Index != 2 || events[4].Recipient != "user2@example.com" {
		t.Errorf("last event = %+v", events[4])
	}
}

func TestRunSkipsRecordsWithoutAddress(t *testing.T) {
	recs := []recipient.Record{
		recipient.NewRecord([]string{"Email", "Name"}, []string{"a@example.com", "A"}),
		recipient.NewRecord([]string{"Email", "Name"}, []string{"", "No address"}),
		recipient.NewRecord([]string{"Name"}, []string{"No column"}),
		recipient.NewRecord([]string{"Emails", "Name"}, []string{"b@example.com", "B"}),
	}
	tr := &fakeTransport{}

	out, err := newTestRunner(tr).Run(context.Background(), newJob(recs, Options{MaxEmailsPerDay: noCap}), nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Results != (Results{Success: 2}) {
		t.Errorf("Results = %+v, want only the two addressed records counted", out.Results)
	}
	if tr.sends() != 2 {
		t.Errorf("sends = %d, want 2", tr.sends())
	}
}

func TestRunResumeOutOfRange(t *testing.T) {
	for _, resume := range []int{3, 4, -1} {
		t.Run(fmt.Sprint(resume), func(t *testing.T) {
			tr := &fakeTransport{}
			out, err := newTestRunner(tr).Run(context.Background(), newJob(records(3), Options{MaxEmailsPerDay: noCap, ResumeFrom: resume}), nil)
			if !errors.Is(err, ErrResumeOutOfRange) {
				t.Fatalf("Run() error = %v, want ErrResumeOutOfRange", err)
			}
			if out.Results != (Results{}) {
				t.Errorf("Results = %+v, want zero", out.Results)
			}
			if tr.connects != 0 || tr.sends() != 0 {
				t.Errorf("connects = %d, sends = %d, want none", tr.connects, tr.sends())
			}
		})
	}
}

func TestRunResume(t *testing.T) {
	tr := &fakeTransport{}
	var indexes []int
	obs := ObserverFunc(func(e Event) {
		if e.Phase == PhaseSending {
			indexes = append(indexes, e.Index)
		}
	})

	out, err := newTestRunner(tr).Run(context.Background(), newJob(records(5), Options{MaxEmailsPerDay: noCap, ResumeFrom: 3}), obs)
	if err != nil {
		t.Fatal(err)
	}
	if out.Results != (Results{Success: 2, Skipped: 3}) {
		t.Errorf("Results = %+v", out.Results)
	}
	if len(indexes) != 2 || indexes[0] != 3 || indexes[1] != 4 {
		t.Errorf("indexes = %v, want [3 4]", indexes)
	}
	if tr.sent[0].To != "user3@example.com" {
		t.Errorf("first send to %s, want user3@example.com", tr.sent[0].To)
	}
	if out.NextIndex != 5 {
		t.Errorf("NextIndex = %d, want 5", out.NextIndex)
	}
}

func TestRunDailyCap(t *testing.T) {
	tr := &fakeTransport{}
	out, err := newTestRunner(tr).Run(context.Background(), newJob(records(10), Options{MaxEmailsPerDay: 4}), nil)
	if err != nil {
		t.Fatal(err)
	}
	if tr.sends() != 4 {
		t.Errorf("sends = %d, want 4", tr.sends())
	}
	// Excess recipients are excluded, not counted anywhere.
	if out.Results != (Results{Success: 4}) {
		t.Errorf("Results = %+v", out.Results)
	}
	if out.Total != 4 || out.NextIndex != 4 {
		t.Errorf("Total = %d, NextIndex = %d, want 4 and 4", out.Total, out.NextIndex)
	}
}

func TestRunDailyCapZero(t *testing.T) {
	tr := &fakeTransport{}
	job := newJob(records(5), Options{MaxEmailsPerDay: 0})
	if n, err := job.WorkingSet(); err != nil || n != 0 {
		t.Fatalf("WorkingSet() = %d, %v, want 0", n, err)
	}

	out, err := newTestRunner(tr).Run(context.Background(), job, nil)
	if err != nil {
		t.Fatal(err)
	}
	if tr.sends() != 0 || tr.connects != 0 {
		t.Errorf("sends = %d, connects = %d, want none", tr.sends(), tr.connects)
	}
	if out.Results != (Results{}) || out.Total != 0 || out.NextIndex != 0 {
		t.Errorf("outcome = %+v, want an empty run", out)
	}
}

func TestRunBlockedOnThirdSend(t *testing.T) {
	tr := &fakeTransport{
		send: func(n int, msg *email.Message) (smtp.Outcome, error) {
			switch n {
			case 1:
				return smtp.OutcomeSent, nil
			case 2:
				return smtp.OutcomeFailed, errors.New("550 mailbox unavailable")
			case 3:
				return smtp.OutcomeBlocked, errors.New("421 unusual activity")
			}
			return smtp.OutcomeSent, nil
		},
	}

	out, err := newTestRunner(tr).Run(context.Background(), newJob(records(6), Options{MaxEmailsPerDay: noCap, ResumeFrom: 1}), nil)
	if err != nil {
		t.Fatal(err)
	}
	if tr.sends() != 3 {
		t.Errorf("sends = %d, want exactly 3", tr.sends())
	}
	if out.Results != (Results{Success: 1, Failed: 1, Skipped: 1}) {
		t.Errorf("Results = %+v", out.Results)
	}
	if out.Halt != HaltProviderBlock {
		t.Errorf("Halt = %q, want provider_block", out.Halt)
	}
	// The blocked recipient was list index 3, so a follow-up run resumes at 4.
	if out.NextIndex != 4 {
		t.Errorf("NextIndex = %d, want 4", out.NextIndex)
	}
	if tr.disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", tr.disconnects)
	}
}

func TestRunBatchBreaks(t *testing.T) {
	tr := &fakeTransport{}
	pacer := &recordingPacer{}
	r := NewRunner(RunnerOptions{
		Transport:     tr,
		Pacer:         pacer,
		Jitter:        5 * time.Second,
		BatchBreakMin: 5 * time.Second,
		BatchBreakMax: 10 * time.Second,
	})

	_, err := r.Run(context.Background(), newJob(records(5), Options{MaxEmailsPerDay: noCap, BatchSize: 2, DelayBase: time.Second}), nil)
	if err != nil {
		t.Fatal(err)
	}

	want := []string{
		"connect",
		"send:user0@example.com", "send:user1@example.com",
		"disconnect", "connect",
		"send:user2@example.com", "send:user3@example.com",
		"disconnect", "connect",
		"send:user4@example.com",
		"disconnect",
	}
	if strings.Join(tr.calls, ",") != strings.Join(want, ",") {
		t.Errorf("calls = %v\nwant    %v", tr.calls, want)
	}

	// Four pacing delays (none after the last send) plus two breaks.
	jitter, breaks := 0, 0
	for _, c := range pacer.calls {
		switch c {
		case [2]time.Duration{time.Second, 6 * time.Second}:
			jitter++
		case [2]time.Duration{5 * time.Second, 10 * time.Second}:
			breaks++
		default:
			t.Errorf("unexpected delay range %v", c)
		}
	}
	if jitter != 4 || breaks != 2 {
		t.Errorf("jitter delays = %d, breaks = %d, want 4 and 2", jitter, breaks)
	}
}

func TestRunReconnectFailure(t *testing.T) {
	tr := &fakeTransport{
		connectErr: func(n int) error {
			if n == 2 {
				return errors.New("connection refused")
			}
			return nil
		},
	}

	out, err := newTestRunner(tr).Run(context.Background(), newJob(records(5), Options{MaxEmailsPerDay: noCap, BatchSize: 2}), nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Halt != HaltReconnectFailed {
		t.Errorf("Halt = %q, want reconnect_failed", out.Halt)
	}
	if out.Results != (Results{Success: 2}) || out.NextIndex != 2 {
		t.Errorf("Outcome = %+v", out)
	}
	if tr.sends() != 2 {
		t.Errorf("sends = %d, want 2", tr.sends())
	}
}

func TestRunConnectFailure(t *testing.T) {
	tr := &fakeTransport{connectErr: func(int) error { return smtp.ErrTooManyAttempts }}

	out, err := newTestRunner(tr).Run(context.Background(), newJob(records(3), Options{MaxEmailsPerDay: noCap, ResumeFrom: 1}), nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Halt != HaltConnectFailed || !errors.Is(out.Err, smtp.ErrTooManyAttempts) {
		t.Errorf("Outcome = %+v", out)
	}
	if out.Results != (Results{}) {
		t.Errorf("Results = %+v, want zero", out.Results)
	}
	if tr.sends() != 0 {
		t.Errorf("sends = %d, want 0", tr.sends())
	}
}

func TestRunPersonalization(t *testing.T) {
	recs := []recipient.Record{
		recipient.NewRecord(
			[]string{"Email", "Name", "cc", "bcc"},
			[]string{"a@example.com", "Ada", "c1@example.com, c2@example.com", "audit@example.com"},
		),
	}
	job := newJob(recs, Options{MaxEmailsPerDay: noCap, Personalize: true})
	job.HTML = "<p>Hi {{Name}}, {{Unknown}}</p>"
	job.Text = "Hi {{Name}}"
	job.Subject = "For {{Name}}"
	job.Attachments = []email.Attachment{{Filename: "a.pdf", Data: []byte("%PDF")}}

	tr := &fakeTransport{}
	if _, err := newTestRunner(tr).Run(context.Background(), job, nil); err != nil {
		t.Fatal(err)
	}

	msg := tr.sent[0]
	if msg.HTML != "<p>Hi Ada, {{Unknown}}</p>" {
		t.Errorf("HTML = %q", msg.HTML)
	}
	if msg.Text != "Hi Ada" {
		t.Errorf("Text = %q", msg.Text)
	}
	if msg.Subject != "For {{Name}}" {
		t.Errorf("Subject = %q, subjects are not personalized", msg.Subject)
	}
	if len(msg.CC) != 2 || msg.CC[1] != "c2@example.com" || len(msg.BCC) != 1 {
		t.Errorf("CC = %v, BCC = %v", msg.CC, msg.BCC)
	}
	if len(msg.Attachments) != 1 || msg.FromEmail != "sender@example.com" {
		t.Errorf("message = %+v", msg)
	}
}

func TestRunWithoutPersonalization(t *testing.T) {
	tr := &fakeTransport{}
	if _, err := newTestRunner(tr).Run(context.Background(), newJob(records(1), Options{MaxEmailsPerDay: noCap}), nil); err != nil {
		t.Fatal(err)
	}
	if tr.sent[0].HTML != "<p>Hi {{Name}}</p>" {
		t.Errorf("HTML = %q, want the template untouched", tr.sent[0].HTML)
	}
}

func TestRunCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := &fakeTransport{
		send: func(n int, msg *email.Message) (smtp.Outcome, error) {
			if n == 2 {
				cancel()
			}
			return smtp.OutcomeSent, nil
		},
	}

	out, err := newTestRunner(tr).Run(ctx, newJob(records(5), Options{MaxEmailsPerDay: noCap}), nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Halt != HaltCanceled {
		t.Errorf("Halt = %q, want canceled", out.Halt)
	}
	if out.Results.Success != 2 || out.NextIndex != 2 {
		t.Errorf("Outcome = %+v", out)
	}
	if tr.sends() != 2 || tr.disconnects != 1 {
		t.Errorf("sends = %d, disconnects = %d", tr.sends(), tr.disconnects)
	}
}

func TestRunDisconnectsOnPanic(t *testing.T) {
	tr := &fakeTransport{
		send: func(int, *email.Message) (smtp.Outcome, error) { panic("boom") },
	}

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected panic to propagate")
			}
		}()
		newTestRunner(tr).Run(context.Background(), newJob(records(2), Options{MaxEmailsPerDay: noCap}), nil)
	}()

	if tr.disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", tr.disconnects)
	}
}

func TestRandomPacer(t *testing.T) {
	p := NewRandomPacer()
	for i := 0; i < 100; i++ {
		d := p.Delay(time.Second, 6*time.Second)
		if d < time.Second || d >= 6*time.Second {
			t.Fatalf("Delay() = %v, out of range", d)
		}
	}
	if d := p.Delay(2*time.Second, time.Second); d != 2*time.Second {
		t.Errorf("Delay() with max < min = %v, want min", d)
	}
}

func TestSleepCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("sleep() = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Error("sleep did not return on cancel")
	}
}
