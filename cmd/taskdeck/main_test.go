package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPrintUsage(t *testing.T) {
	var buf bytes.Buffer
	printUsage(&buf)
	out := buf.String()

	if !strings.Contains(out, "status") {
		t.Fatalf("usage output missing status subcommand: %q", out)
	}
	if !strings.Contains(out, "TASKDECK_HOME") {
		t.Fatalf("usage output missing env var docs: %q", out)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# comment\nTEST_DOTENV_A=hello\nTEST_DOTENV_B = spaced \n\nNOEQUALS\n=empty\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	t.Setenv("TEST_DOTENV_A", "")
	t.Setenv("TEST_DOTENV_B", "")
	os.Unsetenv("TEST_DOTENV_A")
	os.Unsetenv("TEST_DOTENV_B")
	loadDotEnv(path)

	if got := os.Getenv("TEST_DOTENV_A"); got != "hello" {
		t.Fatalf("TEST_DOTENV_A = %q, want %q", got, "hello")
	}
	if got := os.Getenv("TEST_DOTENV_B"); got != "spaced" {
		t.Fatalf("TEST_DOTENV_B = %q, want %q", got, "spaced")
	}
}

func TestLoadDotEnv_ExistingEnvWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("TEST_DOTENV_C=fromfile\n"), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	t.Setenv("TEST_DOTENV_C", "fromenv")
	loadDotEnv(path)

	if got := os.Getenv("TEST_DOTENV_C"); got != "fromenv" {
		t.Fatalf("TEST_DOTENV_C = %q, existing environment should win", got)
	}
}

func TestLoadDotEnv_MissingFile(t *testing.T) {
	loadDotEnv(filepath.Join(t.TempDir(), "no-such.env"))
}
