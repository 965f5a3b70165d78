package main

import (
	"context"
	"testing"
)

func TestValidatePort(t *testing.T) {
	for _, p := range []int{0, -1, 65536} {
		if err := validatePort(p); err == nil {
			t.Fatalf("expected error for port %d", p)
		}
	}
	if err := validatePort(8318); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRunRejectsConflictingModes(t *testing.T) {
	t.Chdir(t.TempDir())
	if err := run(context.Background(), []string{"-once", "-recover"}); err == nil {
		t.Fatalf("expected error for -once with -recover")
	}
	if err := run(context.Background(), []string{"-port", "70000"}); err == nil {
		t.Fatalf("expected error for invalid port")
	}
}
