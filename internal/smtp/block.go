package smtp

import "strings"

// blockIndicators are phrases relays use when they suspend an account
// or throttle it for suspicious volume.
var blockIndicators = []string{
	"temporary disable",
	"unusual activity",
	"unusual sign",
	"unusual attempt",
	"temporarily locked",
	"temporary lock",
	"account has been disabled",
	"account was disabled",
	"try again later",
}

// IsProviderBlock reports whether an error text indicates the sending
// account was soft-blocked by the provider. Matching is case-insensitive.
func IsProviderBlock(message string) bool {
	lower := strings.ToLower(message)
	for _, phrase := range blockIndicators {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
