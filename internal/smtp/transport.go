package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/foxzi/mailrun/internal/config"
	"github.com/foxzi/mailrun/internal/email"
	"github.com/foxzi/mailrun/internal/metrics"
)

// State is the lifecycle state of a Transport.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// TransportOptions configures a Transport
type TransportOptions struct {
	Relay    config.RelayConfig
	Hostname string // EHLO name
	Username string
	Password string
	Builder  *email.Builder
	Logger   *slog.Logger
}

// Transport is one authenticated session with the outbound relay.
// Messages are sent sequentially over the same connection. A Transport
// is not safe for concurrent use.
type Transport struct {
	relay    config.RelayConfig
	hostname string
	username string
	password string
	builder  *email.Builder
	logger   *slog.Logger

	state       State
	conn        net.Conn
	client      *smtp.Client
	attempts    int
	maxAttempts int
}

// NewTransport creates a disconnected transport
func NewTransport(opts TransportOptions) *Transport {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Builder == nil {
		opts.Builder = email.NewBuilder(opts.Hostname, nil, opts.Logger)
	}
	if opts.Relay.Timeout == 0 {
		opts.Relay.Timeout = 30 * time.Second
	}
	maxAttempts := opts.Relay.MaxConnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	return &Transport{
		relay:       opts.Relay,
		hostname:    opts.Hostname,
		username:    opts.Username,
		password:    opts.Password,
		builder:     opts.Builder,
		logger:      opts.Logger.With("relay", opts.Relay.Addr()),
		maxAttempts: maxAttempts,
	}
}

// State returns the current lifecycle state
func (t *Transport) State() State {
	return t.state
}

// Attempts returns the number of consecutive failed connection attempts.
func (t *Transport) Attempts() int {
	return t.attempts
}

// Connect dials, authenticates and verifies a relay session. It makes a
// single attempt; callers decide whether to retry.
func (t *Transport) Connect(ctx context.Context) error {
	if t.state == StateConnected {
		return nil
	}
	if t.attempts >= t.maxAttempts {
		return fmt.Errorf("%w (%d)", ErrTooManyAttempts, t.attempts)
	}

	t.attempts++
	t.state = StateConnecting
	t.logger.Debug("connecting to relay", "attempt", t.attempts)

	conn, client, err := t.open(ctx)
	if err != nil {
		t.state = StateDisconnected
		metrics.IncRelayConnect("failure")
		t.logger.Warn("relay connection failed", "attempt", t.attempts, "error", err)
		return err
	}

	t.conn = conn
	t.client = client
	t.state = StateConnected
	t.attempts = 0
	metrics.IncRelayConnect("success")
	t.logger.Info("relay connection established")
	return nil
}

func (t *Transport) open(ctx context.Context) (net.Conn, *smtp.Client, error) {
	tlsConfig := &tls.Config{
		ServerName:         t.relay.Host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: t.relay.InsecureSkipVerify,
	}

	dialer := &net.Dialer{Timeout: t.relay.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.relay.Addr())
	if err != nil {
		return nil, nil, classify(err, "connect")
	}

	if t.relay.TLSMode == config.TLSModeImplicit {
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, nil, classify(err, "TLS handshake")
		}
		conn = tlsConn
	}

	// Unblock pending commands if ctx ends mid-handshake.
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })

	var client *smtp.Client
	if t.relay.TLSMode == config.TLSModeStartTLS {
		// Greets and upgrades; the EHLO below then runs over TLS.
		client, err = smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			stop()
			conn.Close()
			return nil, nil, classify(err, "STARTTLS")
		}
	} else {
		client = smtp.NewClient(conn)
	}
	client.CommandTimeout = t.relay.Timeout
	client.SubmissionTimeout = t.relay.Timeout

	fail := func(err error, stage string) (net.Conn, *smtp.Client, error) {
		stop()
		client.Close()
		return nil, nil, classify(err, stage)
	}

	if err := client.Hello(t.hostname); err != nil {
		return fail(err, "EHLO")
	}

	if t.username != "" {
		auth, err := t.authClient(client)
		if err != nil {
			return fail(err, "AUTH")
		}
		if err := client.Auth(auth); err != nil {
			return fail(err, "AUTH")
		}
	}

	if err := client.Noop(); err != nil {
		return fail(err, "NOOP")
	}

	if !stop() {
		client.Close()
		return nil, nil, classify(ctx.Err(), "connect")
	}
	return conn, client, nil
}

// authClient picks PLAIN unless the relay only offers LOGIN.
func (t *Transport) authClient(client *smtp.Client) (sasl.Client, error) {
	ok, params := client.Extension("AUTH")
	if !ok {
		return nil, errors.New("relay does not advertise AUTH")
	}

	mechs := strings.Fields(strings.ToUpper(params))
	hasPlain, hasLogin := false, false
	for _, m := range mechs {
		switch m {
		case sasl.Plain:
			hasPlain = true
		case sasl.Login:
			hasLogin = true
		}
	}

	switch {
	case hasPlain:
		return sasl.NewPlainClient("", t.username, t.password), nil
	case hasLogin:
		return sasl.NewLoginClient(t.username, t.password), nil
	}
	return nil, fmt.Errorf("no supported AUTH mechanism in %q", params)
}

// Disconnect ends the session. Calling it while disconnected is a no-op.
func (t *Transport) Disconnect() {
	if t.client == nil {
		t.state = StateDisconnected
		return
	}

	if err := t.client.Quit(); err != nil {
		t.logger.Debug("QUIT failed", "error", err)
		t.client.Close()
	}
	t.client = nil
	t.conn = nil
	t.state = StateDisconnected
	t.logger.Debug("relay connection closed")
}

// drop discards a session that can no longer be trusted.
func (t *Transport) drop() {
	if t.client != nil {
		t.client.Close()
	}
	t.client = nil
	t.conn = nil
	t.state = StateDisconnected
}

// Send delivers one message, connecting first if needed. A provider block
// yields OutcomeBlocked; every other failure yields OutcomeFailed.
func (t *Transport) Send(ctx context.Context, msg *email.Message) (Outcome, error) {
	if t.state != StateConnected {
		if err := t.Connect(ctx); err != nil {
			return OutcomeFailed, err
		}
	}

	raw, err := t.builder.Build(msg)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("failed to build message: %w", err)
	}

	conn := t.conn
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	err = t.transact(msg.FromEmail, msg.Recipients(), raw)
	stopped := stop()

	if err == nil {
		if !stopped {
			t.drop()
		}
		return OutcomeSent, nil
	}

	var de *DeliveryError
	if !errors.As(err, &de) {
		de = classify(err, "send")
	}

	switch {
	case !stopped || !isProtocolError(err):
		t.drop()
	default:
		if rerr := t.client.Reset(); rerr != nil {
			t.drop()
		}
	}

	if de.Blocked {
		return OutcomeBlocked, de
	}
	return OutcomeFailed, de
}

func (t *Transport) transact(from string, to []string, raw []byte) error {
	if t.client == nil {
		return ErrNotConnected
	}

	if err := t.client.Mail(from, nil); err != nil {
		return classify(err, "MAIL FROM")
	}
	for _, rcpt := range to {
		if err := t.client.Rcpt(rcpt, nil); err != nil {
			return classify(err, fmt.Sprintf("RCPT TO %s", rcpt))
		}
	}

	wc, err := t.client.Data()
	if err != nil {
		return classify(err, "DATA")
	}
	if _, err := bytes.NewReader(raw).WriteTo(wc); err != nil {
		wc.Close()
		return classify(err, "DATA write")
	}
	if err := wc.Close(); err != nil {
		return classify(err, "DATA close")
	}
	return nil
}
