package passphrase

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// ErrMismatch is returned when a confirmed passphrase is typed differently
// the second time.
var ErrMismatch = errors.New("passphrases do not match")

// Source resolves a keystore passphrase once, from an environment variable or
// an interactive prompt, and caches the result.
type Source struct {
	envVar  string
	label   string
	confirm bool

	interactive func() bool
	read        func(prompt string) (string, error)

	once  sync.Once
	value string
	err   error
}

// Option adjusts a Source.
type Option func(*Source)

// WithConfirmation asks for the passphrase twice when prompting. Used when a
// new keystore is written.
func WithConfirmation() Option {
	return func(s *Source) { s.confirm = true }
}

// NewSource checks envVar before prompting on the terminal. label names the
// secret in prompts and errors.
func NewSource(envVar, label string, opts ...Option) *Source {
	label = strings.TrimSpace(label)
	if label == "" {
		label = "keystore passphrase"
	}
	s := &Source{
		envVar:      strings.TrimSpace(envVar),
		label:       label,
		interactive: func() bool { return term.IsTerminal(int(os.Stdin.Fd())) },
		read:        readTerminal,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the passphrase. Whitespace-only values are rejected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		s.value, s.err = s.resolve()
	})
	return s.value, s.err
}

func (s *Source) resolve() (string, error) {
	if s.envVar != "" {
		if value, ok := os.LookupEnv(s.envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s is set but empty", s.envVar)
			}
			return value, nil
		}
	}
	if !s.interactive() {
		if s.envVar != "" {
			return "", fmt.Errorf("%s required; set %s or run interactively", s.label, s.envVar)
		}
		return "", fmt.Errorf("%s required and no terminal available", s.label)
	}
	value, err := s.read(fmt.Sprintf("Enter %s: ", s.label))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", s.label, err)
	}
	if strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("%s cannot be empty", s.label)
	}
	if s.confirm {
		again, err := s.read(fmt.Sprintf("Repeat %s: ", s.label))
		if err != nil {
			return "", fmt.Errorf("read %s: %w", s.label, err)
		}
		if again != value {
			return "", ErrMismatch
		}
	}
	return value, nil
}

func readTerminal(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
