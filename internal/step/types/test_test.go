package types

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const passingReport = `<?xml version="1.0"?>
<testsuites>
  <testsuite name="pkg" tests="2">
    <testcase classname="pkg" name="TestA"/>
    <testcase classname="pkg" name="TestB"><skipped/></testcase>
  </testsuite>
</testsuites>`

const failingReport = `<testsuite name="unit" tests="3">
  <testcase classname="unit" name="ok"/>
  <testcase classname="unit" name="broken"><failure message="expected 1">trace</failure></testcase>
  <testcase classname="unit" name="crash"><error message="panic"/></testcase>
</testsuite>`

func TestParseJUnit(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want TestSummary
	}{
		{
			name: "testsuites root",
			doc:  passingReport,
			want: TestSummary{Tests: 2, Skipped: 1},
		},
		{
			name: "testsuite root",
			doc:  failingReport,
			want: TestSummary{Tests: 3, Failures: 1, Errors: 1, Names: []string{"unit.broken", "unit.crash"}},
		},
		{
			name: "attributes only",
			doc:  `<testsuite tests="5" failures="1" errors="0" skipped="2"/>`,
			want: TestSummary{Tests: 5, Failures: 1, Skipped: 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseJUnit([]byte(tt.doc))
			if err != nil {
				t.Fatalf("ParseJUnit() error = %v", err)
			}
			if got.String() != tt.want.String() || strings.Join(got.Names, ",") != strings.Join(tt.want.Names, ",") {
				t.Errorf("ParseJUnit() = %+v, want %+v", got, tt.want)
			}
		})
	}

	if _, err := ParseJUnit([]byte("not xml")); err == nil {
		t.Error("expected error for invalid XML")
	}
}

func writeReport(t *testing.T, ws, name, doc string) {
	t.Helper()
	p := filepath.Join(ws, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestTest_Run(t *testing.T) {
	t.Run("passing report", func(t *testing.T) {
		t.Parallel()
		ws := t.TempDir()
		writeReport(t, ws, "reports/unit.xml", passingReport)
		env, log := newEnv(ws, &fakeShell{})

		result := (&Test{Command: "go test", Report: "reports/*.xml"}).Run(context.Background(), env)
		if result.Status != StatusSuccess {
			t.Fatalf("status = %v, error = %v", result.Status, result.Error)
		}
		if !strings.Contains(log.String(), "tests: 2") {
			t.Errorf("log = %q", log.String())
		}
	})

	t.Run("failures in report fail a zero exit", func(t *testing.T) {
		t.Parallel()
		ws := t.TempDir()
		writeReport(t, ws, "reports/a/unit.xml", failingReport)
		env, _ := newEnv(ws, &fakeShell{})

		result := (&Test{Command: "go test", Report: "reports/**/*.xml"}).Run(context.Background(), env)
		if result.Status != StatusFailed {
			t.Fatal("expected failure")
		}
		if !strings.Contains(result.Error.Error(), "unit.broken") {
			t.Errorf("error = %v", result.Error)
		}
	})

	t.Run("missing report", func(t *testing.T) {
		t.Parallel()
		env, _ := newEnv(t.TempDir(), &fakeShell{})
		result := (&Test{Command: "go test", Report: "reports/*.xml"}).Run(context.Background(), env)
		if result.Status != StatusFailed || !strings.Contains(result.Error.Error(), "no test report") {
			t.Fatalf("Run() = %+v", result)
		}
	})

	t.Run("non-zero exit without report", func(t *testing.T) {
		t.Parallel()
		env, _ := newEnv(t.TempDir(), &fakeShell{fn: func(Command) (int, error) { return 1, nil }})
		result := (&Test{Command: "go test"}).Run(context.Background(), env)
		if result.Status != StatusFailed || result.ExitCode != 1 {
			t.Fatalf("Run() = %+v", result)
		}
	})
}

func TestTest_ValidateReport(t *testing.T) {
	if err := (&Test{Command: "x", Report: "r.tar.gz!*.xml"}).Validate("steps[0]"); err == nil {
		t.Error("expected error for archive selector in report")
	}
	if err := (&Test{Command: "x", Report: "reports/**/*.xml"}).Validate("steps[0]"); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}
