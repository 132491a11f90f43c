package email

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/go-gomail/gomail"
	"github.com/google/uuid"
)

// Attachment is a file shared by every message of a campaign.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	Data        []byte `json:"-"`
}

// Message is one outgoing message before MIME encoding.
type Message struct {
	FromName    string
	FromEmail   string
	To          string
	CC          []string
	BCC         []string
	Subject     string
	HTML        string
	Text        string
	Attachments []Attachment
}

// Recipients returns the envelope recipients: To, then CC, then BCC.
func (m *Message) Recipients() []string {
	rcpts := make([]string, 0, 1+len(m.CC)+len(m.BCC))
	rcpts = append(rcpts, m.To)
	rcpts = append(rcpts, m.CC...)
	rcpts = append(rcpts, m.BCC...)
	return rcpts
}

// Validate checks the fields needed to put the message on the wire.
func (m *Message) Validate() error {
	if m.FromEmail == "" {
		return errors.New("sender address is required")
	}
	if m.To == "" {
		return errors.New("recipient address is required")
	}
	if m.HTML == "" && m.Text == "" {
		return errors.New("message body is empty")
	}
	return nil
}

// Builder encodes messages to RFC 5322 bytes and optionally DKIM-signs them.
type Builder struct {
	hostname string
	signer   *Signer
	logger   *slog.Logger
}

// NewBuilder creates a builder. Message-IDs use hostname as their right-hand
// side. signer may be nil.
func NewBuilder(hostname string, signer *Signer, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Builder{hostname: hostname, signer: signer, logger: logger}
}

// Build renders the message. Bcc recipients never appear in the headers.
func (b *Builder) Build(m *Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	gm := gomail.NewMessage()
	gm.SetAddressHeader("From", m.FromEmail, m.FromName)
	gm.SetHeader("To", m.To)
	if len(m.CC) > 0 {
		gm.SetHeader("Cc", m.CC...)
	}
	gm.SetHeader("Subject", m.Subject)
	gm.SetHeader("Message-ID", fmt.Sprintf("<%s@%s>", uuid.New().String(), b.hostname))

	switch {
	case m.Text != "" && m.HTML != "":
		gm.SetBody("text/plain", m.Text)
		gm.AddAlternative("text/html", m.HTML)
	case m.HTML != "":
		gm.SetBody("text/html", m.HTML)
	default:
		gm.SetBody("text/plain", m.Text)
	}

	for _, a := range m.Attachments {
		data := a.Data
		settings := []gomail.FileSetting{
			gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(data)
				return err
			}),
		}
		if a.ContentType != "" {
			settings = append(settings, gomail.SetHeader(map[string][]string{
				"Content-Type": {fmt.Sprintf("%s; name=%q", a.ContentType, a.Filename)},
			}))
		}
		gm.Attach(a.Filename, settings...)
	}

	var buf bytes.Buffer
	if _, err := gm.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}

	raw := buf.Bytes()
	if b.signer == nil {
		return raw, nil
	}

	if domain := ExtractDomain(m.FromEmail); domain != b.signer.Domain() {
		b.logger.Debug("skipping DKIM, sender domain differs from key domain",
			"sender_domain", domain,
			"dkim_domain", b.signer.Domain())
		return raw, nil
	}

	signed, err := b.signer.Sign(raw)
	if err != nil {
		return nil, err
	}
	return signed, nil
}
