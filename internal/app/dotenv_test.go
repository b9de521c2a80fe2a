package app

import (
	"os"
	"path/filepath"
	"testing"
)

func writeDotenv(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write dotenv: %v", err)
	}
	return path
}

func TestLoadDotenv(t *testing.T) {
	t.Setenv("DOCKET_TEST_A", "")
	t.Setenv("DOCKET_TEST_B", "")
	t.Setenv("DOCKET_TEST_C", "")

	path := writeDotenv(t, `
# comment
DOCKET_TEST_A=plain
export DOCKET_TEST_B="quoted value"
DOCKET_TEST_C='single quoted'
`)
	if err := loadDotenv(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := os.Getenv("DOCKET_TEST_A"); got != "plain" {
		t.Fatalf("A = %q", got)
	}
	if got := os.Getenv("DOCKET_TEST_B"); got != "quoted value" {
		t.Fatalf("B = %q", got)
	}
	if got := os.Getenv("DOCKET_TEST_C"); got != "single quoted" {
		t.Fatalf("C = %q", got)
	}
}

func TestLoadDotenvDoesNotOverrideEnvironment(t *testing.T) {
	t.Setenv("DOCKET_TEST_KEEP", "from-env")

	path := writeDotenv(t, "DOCKET_TEST_KEEP=from-file\n")
	if err := loadDotenv(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := os.Getenv("DOCKET_TEST_KEEP"); got != "from-env" {
		t.Fatalf("value = %q, want from-env", got)
	}
}

func TestLoadDotenvRejectsMalformedLines(t *testing.T) {
	path := writeDotenv(t, "NOT A PAIR\n")
	if err := loadDotenv(path); err == nil {
		t.Fatalf("expected error for missing '='")
	}

	path = writeDotenv(t, "=value\n")
	if err := loadDotenv(path); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func TestLoadDotenvMissingFile(t *testing.T) {
	if err := loadDotenv(filepath.Join(t.TempDir(), "nope.env")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
