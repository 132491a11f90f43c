package sink

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/foxzi/mailrun/internal/metrics"
	"github.com/foxzi/mailrun/internal/sandbox"
)

var (
	errAuthRequired = &smtp.SMTPError{
		Code:         530,
		EnhancedCode: smtp.EnhancedCode{5, 7, 0},
		Message:      "Authentication required",
	}
	errUnknownMechanism = &smtp.SMTPError{
		Code:         504,
		EnhancedCode: smtp.EnhancedCode{5, 7, 4},
		Message:      "Unsupported authentication mechanism",
	}
	errTooManyFailures = &smtp.SMTPError{
		Code:         421,
		EnhancedCode: smtp.EnhancedCode{4, 7, 0},
		Message:      "Too many authentication failures",
	}
	errRecipientRejected = &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 1, 1},
		Message:      "Recipient address rejected: user unknown",
	}
	// Wording matches what consumer mailbox providers send when they
	// suspend an account for volume.
	errProviderBlock = &smtp.SMTPError{
		Code:         421,
		EnhancedCode: smtp.EnhancedCode{4, 7, 0},
		Message:      "Unusual activity detected on this account, try again later",
	}
)

// Session implements smtp.Session and smtp.AuthSession
type Session struct {
	backend  *Backend
	clientIP string
	from     string
	to       []string
	authUser string
	logger   *slog.Logger
}

func newSession(b *Backend, c *smtp.Conn) *Session {
	remote := c.Conn().RemoteAddr().String()
	ip, _, err := net.SplitHostPort(remote)
	if err != nil {
		ip = remote
	}
	return &Session{
		backend:  b,
		clientIP: ip,
		logger:   b.logger.With("remote_addr", remote),
	}
}

// AuthMechanisms advertises PLAIN only when users are configured
func (s *Session) AuthMechanisms() []string {
	if len(s.backend.users) == 0 {
		return nil
	}
	return []string{sasl.Plain}
}

func (s *Session) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain {
		return nil, errUnknownMechanism
	}
	if s.backend.authBlocked(s.clientIP) {
		return nil, errTooManyFailures
	}

	return sasl.NewPlainServer(func(identity, username, password string) error {
		if identity != "" && identity != username {
			return errors.New("identity must be empty or match username")
		}
		expected, ok := s.backend.users[username]
		if !ok || expected != password {
			s.logger.Warn("authentication failed", "username", username)
			s.backend.recordAuthFailure(s.clientIP)
			metrics.IncSinkAuthFailed()
			return smtp.ErrAuthFailed
		}
		s.backend.clearAuthFailure(s.clientIP)
		s.authUser = username
		s.logger.Debug("authentication successful", "username", username)
		return nil
	}), nil
}

func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	if len(s.backend.users) > 0 && s.authUser == "" {
		return errAuthRequired
	}
	s.from = from
	return nil
}

func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) error {
	if s.backend.rejects(to) {
		metrics.IncSinkMessages("rejected")
		s.logger.Info("recipient rejected", "to", to)
		return errRecipientRejected
	}
	s.to = append(s.to, to)
	return nil
}

// Data stores the message, unless the simulated block is in force.
func (s *Session) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		metrics.IncSinkMessages("error")
		return &smtp.SMTPError{
			Code:    451,
			Message: "Failed to read message data",
		}
	}

	if !s.backend.reserve() {
		metrics.IncSinkMessages("blocked")
		s.logger.Info("provider block simulated", "from", s.from, "to", s.to)
		return errProviderBlock
	}

	msg := &sandbox.Message{
		ID:       uuid.New().String(),
		Source:   sandbox.SourceSink,
		From:     s.from,
		To:       s.to,
		Data:     data,
		ClientIP: s.clientIP,
		AuthUser: s.authUser,
	}
	if err := s.backend.storage.Save(context.Background(), msg); err != nil {
		s.backend.release()
		metrics.IncSinkMessages("error")
		s.logger.Error("failed to store message", "error", err)
		return &smtp.SMTPError{
			Code:    451,
			Message: "Failed to store message",
		}
	}

	metrics.IncSinkMessages("accepted")
	s.logger.Info("message captured",
		"id", msg.ID,
		"from", s.from,
		"to", s.to,
		"size", len(data),
	)
	return nil
}

func (s *Session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *Session) Logout() error {
	return nil
}
