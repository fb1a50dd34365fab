package main

import "testing"

func TestVersionFlag(t *testing.T) {
	code := run([]string{"--version"})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
}

func TestMissingConfigFlag(t *testing.T) {
	code := run([]string{})
	if code != 2 {
		t.Fatalf("expected exit 2 when --config is omitted, got %d", code)
	}
}

func TestUnreadableConfigPath(t *testing.T) {
	code := run([]string{"--config", "/nonexistent/eleel.toml"})
	if code != 1 {
		t.Fatalf("expected exit 1 for an unreadable config path, got %d", code)
	}
}

func TestBadFlagReturnsUsageExitCode(t *testing.T) {
	code := run([]string{"--not-a-real-flag"})
	if code != 2 {
		t.Fatalf("expected exit 2 for an unrecognized flag, got %d", code)
	}
}
