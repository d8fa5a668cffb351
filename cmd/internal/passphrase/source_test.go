package passphrase

import (
	"errors"
	"testing"
)

func scripted(answers ...string) func(string) (string, error) {
	return func(string) (string, error) {
		if len(answers) == 0 {
			return "", errors.New("no more input")
		}
		next := answers[0]
		answers = answers[1:]
		return next, nil
	}
}

func TestSourceReadsEnvironment(t *testing.T) {
	t.Setenv("MARGINCTL_TEST_PASS", "correct horse")
	src := NewSource("MARGINCTL_TEST_PASS", "")
	got, err := src.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "correct horse" {
		t.Fatalf("unexpected passphrase %q", got)
	}
	t.Setenv("MARGINCTL_TEST_PASS", "changed")
	again, err := src.Get()
	if err != nil || again != "correct horse" {
		t.Fatalf("expected cached passphrase, got %q err=%v", again, err)
	}
}

func TestSourceRejectsBlankEnvironment(t *testing.T) {
	t.Setenv("MARGINCTL_TEST_PASS", "   ")
	if _, err := NewSource("MARGINCTL_TEST_PASS", "keystore passphrase").Get(); err == nil {
		t.Fatalf("expected blank passphrase to be rejected")
	}
}

func TestSourceWithoutTerminal(t *testing.T) {
	src := NewSource("MARGINCTL_UNSET_PASS", "")
	src.interactive = func() bool { return false }
	if _, err := src.Get(); err == nil {
		t.Fatalf("expected error without env or terminal")
	}
}

func TestSourcePromptConfirmation(t *testing.T) {
	src := NewSource("", "keystore passphrase", WithConfirmation())
	src.interactive = func() bool { return true }
	src.read = scripted("hunter22", "hunter22")
	got, err := src.Get()
	if err != nil || got != "hunter22" {
		t.Fatalf("expected confirmed passphrase, got %q err=%v", got, err)
	}

	mismatch := NewSource("", "keystore passphrase", WithConfirmation())
	mismatch.interactive = func() bool { return true }
	mismatch.read = scripted("hunter22", "hunter23")
	if _, err := mismatch.Get(); !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected ErrMismatch, got %v", err)
	}

	blank := NewSource("", "keystore passphrase")
	blank.interactive = func() bool { return true }
	blank.read = scripted("  ")
	if _, err := blank.Get(); err == nil {
		t.Fatalf("expected blank prompt to be rejected")
	}
}
