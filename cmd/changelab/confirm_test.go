package main

import (
	"io"
	"strings"
	"testing"
)

func TestRequireConfirmationForce(t *testing.T) {
	if err := requireConfirmation(confirmOptions{action: "cancel job job-1", force: true, jsonOutput: true}); err != nil {
		t.Fatalf("expected --force to bypass confirmation, got %v", err)
	}
}

func TestRequireConfirmationNonInteractive(t *testing.T) {
	origInteractive := isInteractiveFn
	isInteractiveFn = func() bool { return false }
	t.Cleanup(func() { isInteractiveFn = origInteractive })

	err := requireConfirmation(confirmOptions{action: "cancel job job-1", force: false, jsonOutput: false})
	if err == nil {
		t.Fatalf("expected error for non-interactive confirmation")
	}
	if !strings.Contains(err.Error(), "--force") {
		t.Fatalf("expected --force hint, got %q", err.Error())
	}
}

func TestRequireConfirmationJSON(t *testing.T) {
	origInteractive := isInteractiveFn
	isInteractiveFn = func() bool { return true }
	t.Cleanup(func() { isInteractiveFn = origInteractive })

	err := requireConfirmation(confirmOptions{action: "roll back job job-1", force: false, jsonOutput: true})
	if err == nil {
		t.Fatalf("expected error for json confirmation")
	}
	if !strings.Contains(err.Error(), "--force") {
		t.Fatalf("expected --force hint, got %q", err.Error())
	}
}

func TestRequireConfirmationInteractiveYes(t *testing.T) {
	origInteractive := isInteractiveFn
	origReader := confirmReader
	origWriter := confirmWriter
	isInteractiveFn = func() bool { return true }
	confirmReader = strings.NewReader("yes\n")
	confirmWriter = io.Discard
	t.Cleanup(func() {
		isInteractiveFn = origInteractive
		confirmReader = origReader
		confirmWriter = origWriter
	})

	if err := requireConfirmation(confirmOptions{action: "reject job job-1", force: false, jsonOutput: false}); err != nil {
		t.Fatalf("expected confirmation to succeed, got %v", err)
	}
}

func TestRequireConfirmationInteractiveNo(t *testing.T) {
	origInteractive := isInteractiveFn
	origReader := confirmReader
	origWriter := confirmWriter
	isInteractiveFn = func() bool { return true }
	confirmReader = strings.NewReader("no\n")
	confirmWriter = io.Discard
	t.Cleanup(func() {
		isInteractiveFn = origInteractive
		confirmReader = origReader
		confirmWriter = origWriter
	})

	err := requireConfirmation(confirmOptions{action: "reject job job-1", force: false, jsonOutput: false})
	if err == nil {
		t.Fatalf("expected confirmation to abort")
	}
	if !strings.Contains(strings.ToLower(err.Error()), "aborted") {
		t.Fatalf("expected aborted error, got %q", err.Error())
	}
}

func TestPromptYesNo(t *testing.T) {
	ok, err := promptYesNo(strings.NewReader("YES\n"), io.Discard, "continue? ")
	if err != nil {
		t.Fatalf("promptYesNo() error = %v", err)
	}
	if !ok {
		t.Fatalf("expected case-insensitive yes to confirm")
	}

	ok, err = promptYesNo(strings.NewReader("yes"), io.Discard, "continue? ")
	if err != nil {
		t.Fatalf("promptYesNo() error at EOF = %v", err)
	}
	if !ok {
		t.Fatalf("expected yes without trailing newline to confirm")
	}

	ok, err = promptYesNo(strings.NewReader(""), io.Discard, "continue? ")
	if err != nil {
		t.Fatalf("promptYesNo() error on empty input = %v", err)
	}
	if ok {
		t.Fatalf("expected empty input to refuse")
	}

	if _, err := promptYesNo(nil, io.Discard, "continue? "); err == nil {
		t.Fatalf("expected error for nil reader")
	}
}
