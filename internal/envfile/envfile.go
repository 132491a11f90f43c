// Package envfile reads sender credential bundles from KEY=VALUE files.
package envfile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

// Recognized keys
const (
	KeyUsername    = "EMAIL_USERNAME"
	KeyPassword    = "EMAIL_PASSWORD"
	KeySenderEmail = "SENDER_EMAIL"
	KeySenderName  = "SENDER_NAME"
)

var (
	// ErrMissingFields is returned when a required key is absent or empty.
	ErrMissingFields = errors.New("missing required environment variables")
	// ErrUnknownEnvironment is returned by Set.Load for unregistered names.
	ErrUnknownEnvironment = errors.New("unknown environment")
)

// Credentials is a relay login plus the sender identity used in From.
type Credentials struct {
	Username    string `json:"username"`
	Password    string `json:"-"`
	SenderEmail string `json:"sender_email"`
	SenderName  string `json:"sender_name"`
}

// HasPassword reports whether a password was supplied.
func (c *Credentials) HasPassword() bool {
	return c.Password != ""
}

// Validate checks that username, sender email and sender name are set.
// The password may be empty; the relay decides whether that is acceptable.
func (c *Credentials) Validate() error {
	var missing []string
	if c.Username == "" {
		missing = append(missing, KeyUsername)
	}
	if c.SenderEmail == "" {
		missing = append(missing, KeySenderEmail)
	}
	if c.SenderName == "" {
		missing = append(missing, KeySenderName)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingFields, strings.Join(missing, ", "))
	}
	return nil
}

// Merge fills empty fields of c from other.
func (c *Credentials) Merge(other *Credentials) {
	if other == nil {
		return
	}
	if c.Username == "" {
		c.Username = other.Username
	}
	if c.Password == "" {
		c.Password = other.Password
	}
	if c.SenderEmail == "" {
		c.SenderEmail = other.SenderEmail
	}
	if c.SenderName == "" {
		c.SenderName = other.SenderName
	}
}

// Parse reads an env file. Each line is split on its first "=" and the
// trimmed remainder is taken verbatim: no quote removal, no $VAR expansion,
// no inline comments. Blank lines, lines starting with # and unknown keys
// are ignored.
func Parse(r io.Reader) (*Credentials, error) {
	creds := &Credentials{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)

		switch strings.TrimSpace(key) {
		case KeyUsername:
			creds.Username = value
		case KeyPassword:
			creds.Password = value
		case KeySenderEmail:
			creds.SenderEmail = value
		case KeySenderName:
			creds.SenderName = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read env file: %w", err)
	}

	if err := creds.Validate(); err != nil {
		return nil, err
	}
	return creds, nil
}

// LoadDotenv sets process environment variables from a dotenv file, such
// as MAILRUN_PASSWORD for the CLI. Variables already set are kept and a
// missing file is not an error. Unlike Parse this follows dotenv rules
// (quotes, $VAR expansion, inline comments).
func LoadDotenv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// ParseFile parses the env file at path.
func ParseFile(path string) (*Credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open env file: %w", err)
	}
	defer f.Close()

	return Parse(f)
}

// Set is a collection of named environments backed by env files.
// Files are read on every Load so edits are picked up without a restart.
type Set struct {
	files map[string]string
}

// NewSet builds a Set from explicit name -> path entries plus every
// *.env file in dir (named after the file stem). Explicit entries win.
func NewSet(files map[string]string, dir string) (*Set, error) {
	s := &Set{files: make(map[string]string)}

	if dir != "" {
		matches, err := filepath.Glob(filepath.Join(dir, "*.env"))
		if err != nil {
			return nil, fmt.Errorf("failed to scan environments dir: %w", err)
		}
		for _, path := range matches {
			name := strings.TrimSuffix(filepath.Base(path), ".env")
			s.files[name] = path
		}
	}

	for name, path := range files {
		s.files[name] = path
	}

	return s, nil
}

// Names returns the registered environment names, sorted.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.files))
	for name := range s.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load parses the named environment.
func (s *Set) Load(name string) (*Credentials, error) {
	path, ok := s.files[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEnvironment, name)
	}
	creds, err := ParseFile(path)
	if err != nil {
		return nil, fmt.Errorf("environment %s: %w", name, err)
	}
	return creds, nil
}
