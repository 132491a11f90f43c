package smtp

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/emersion/go-smtp"
)

// Outcome is the result of a single send attempt.
type Outcome int

const (
	OutcomeSent Outcome = iota
	OutcomeFailed
	OutcomeBlocked
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeBlocked:
		return "blocked"
	default:
		return "failed"
	}
}

var (
	// ErrTooManyAttempts is returned by Connect once the consecutive
	// failure ceiling is reached.
	ErrTooManyAttempts = errors.New("too many failed connection attempts")
	// ErrNotConnected is returned when a command needs a live session.
	ErrNotConnected = errors.New("not connected")
)

// DeliveryError describes a failed relay interaction.
type DeliveryError struct {
	Temporary bool   // 4xx or transport level
	Blocked   bool   // provider soft-block, see IsProviderBlock
	Code      int    // SMTP reply code, 0 if none
	Message   string
	err       error
}

func (e *DeliveryError) Error() string {
	return e.Message
}

func (e *DeliveryError) Unwrap() error {
	return e.err
}

// smtpReplyPattern matches text that starts with an SMTP reply code.
// Codes elsewhere in the text (ports, addresses) are ignored.
var smtpReplyPattern = regexp.MustCompile(`^([45]\d{2})(?:[ -]|$)`)

// classify wraps err from the given protocol stage. Reply codes decide
// temporary vs permanent; unknown errors count as temporary.
func classify(err error, stage string) *DeliveryError {
	de := &DeliveryError{
		Temporary: true,
		Message:   fmt.Sprintf("%s failed: %v", stage, err),
		err:       err,
	}

	var se *smtp.SMTPError
	if errors.As(err, &se) {
		de.Code = se.Code
	} else if m := smtpReplyPattern.FindStringSubmatch(strings.TrimSpace(err.Error())); len(m) > 1 {
		de.Code, _ = strconv.Atoi(m[1])
	}
	if de.Code >= 500 {
		de.Temporary = false
	}

	de.Blocked = IsProviderBlock(err.Error())
	return de
}

// isProtocolError reports whether the relay answered with an SMTP reply,
// meaning the session itself is still usable.
func isProtocolError(err error) bool {
	var se *smtp.SMTPError
	return errors.As(err, &se)
}

// IsTemporaryError checks if the error is temporary
func IsTemporaryError(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Temporary
	}
	return true
}

// IsBlocked reports whether err is a provider block.
func IsBlocked(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Blocked
	}
	return err != nil && IsProviderBlock(err.Error())
}
