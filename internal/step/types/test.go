package types

import (
	"ciengine/internal/apperrors"
	"ciengine/internal/artifact"
	"context"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Test runs a test command and, when Report is set, reads JUnit XML reports
// matched by it. Any failure or error in a report fails the step even if the
// command exited zero.
type Test struct {
	Base    `yaml:",inline"`
	Command string            `yaml:"command" json:"command"`
	Report  string            `yaml:"report,omitempty" json:"report,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Secrets map[string]string `yaml:"secrets,omitempty" json:"secrets,omitempty"`
}

func (t *Test) StepType() string { return "test" }

func (t *Test) Expand(params map[string]string) Step {
	c := *t
	c.Command = ExpandParams(t.Command, params)
	c.Report = ExpandParams(t.Report, params)
	c.Env = expandValues(t.Env, params)
	return &c
}

func (t *Test) Validate(field string) error {
	if err := required(field+".command", t.Command); err != nil {
		return err
	}
	if t.Report != "" {
		rule, err := artifact.ParseRule(t.Report)
		if err != nil {
			return apperrors.Validation(field+".report", err.Error())
		}
		if rule.Target != "" || rule.Inner != "" || rule.Exclude {
			return apperrors.Validation(field+".report", "report must be a plain workspace glob")
		}
	}
	return secretNames(field, t.Secrets)
}

// Run executes the tests and evaluates the reports.
func (t *Test) Run(ctx context.Context, env *Env) *Result {
	vars, err := env.commandEnv(ctx, t.Env, t.Secrets)
	if err != nil {
		return failed(-1, err)
	}

	code, err := env.exec(ctx, t.Command, "", "", vars)
	if err != nil {
		return failed(code, err)
	}

	if t.Report != "" {
		summary, err := readReports(env.Workspace, t.Report)
		if err != nil {
			if code != 0 {
				return failed(code, exitError("test command", code))
			}
			return failed(code, err)
		}
		fmt.Fprintf(env.logWriter(), "%s\n", summary)
		if summary.broken() > 0 {
			return failed(code, fmt.Errorf("%d of %d tests failed: %s", summary.broken(), summary.Tests, strings.Join(summary.Names, ", ")))
		}
	}

	if code != 0 {
		return failed(code, exitError("test command", code))
	}
	return &Result{Status: StatusSuccess, ExitCode: code}
}

// TestSummary totals one or more JUnit reports.
type TestSummary struct {
	Tests    int
	Failures int
	Errors   int
	Skipped  int
	// Names of failed or errored cases, at most maxReportedNames.
	Names []string
}

const maxReportedNames = 10

func (s TestSummary) broken() int { return s.Failures + s.Errors }

func (s TestSummary) String() string {
	return fmt.Sprintf("tests: %d, failures: %d, errors: %d, skipped: %d", s.Tests, s.Failures, s.Errors, s.Skipped)
}

type junitSuite struct {
	Tests    int          `xml:"tests,attr"`
	Failures int          `xml:"failures,attr"`
	Errors   int          `xml:"errors,attr"`
	Skipped  int          `xml:"skipped,attr"`
	Cases    []junitCase  `xml:"testcase"`
	Suites   []junitSuite `xml:"testsuite"`
}

type junitCase struct {
	Name      string    `xml:"name,attr"`
	Classname string    `xml:"classname,attr"`
	Failure   *struct{} `xml:"failure"`
	Error     *struct{} `xml:"error"`
	Skipped   *struct{} `xml:"skipped"`
}

func readReports(workspace, report string) (TestSummary, error) {
	rule, err := artifact.ParseRule(report)
	if err != nil {
		return TestSummary{}, err
	}
	pattern := rule.Pattern
	files, err := artifact.Collect(workspace, pattern)
	if err != nil {
		return TestSummary{}, err
	}
	if len(files) == 0 {
		return TestSummary{}, fmt.Errorf("no test report matches %s", pattern)
	}

	var total TestSummary
	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(workspace, filepath.FromSlash(f)))
		if err != nil {
			return TestSummary{}, fmt.Errorf("failed to read report %s: %w", f, err)
		}
		s, err := ParseJUnit(data)
		if err != nil {
			return TestSummary{}, fmt.Errorf("invalid report %s: %w", f, err)
		}
		total.Tests += s.Tests
		total.Failures += s.Failures
		total.Errors += s.Errors
		total.Skipped += s.Skipped
		for _, n := range s.Names {
			if len(total.Names) < maxReportedNames {
				total.Names = append(total.Names, n)
			}
		}
	}
	return total, nil
}

// ParseJUnit totals a JUnit XML document rooted at <testsuites> or
// <testsuite>. Counts come from the test cases when a suite lists them and
// from the suite attributes otherwise.
func ParseJUnit(data []byte) (TestSummary, error) {
	var root junitSuite
	if err := xml.Unmarshal(data, &root); err != nil {
		return TestSummary{}, err
	}
	var s TestSummary
	addSuite(&s, root)
	return s, nil
}

func addSuite(s *TestSummary, suite junitSuite) {
	if len(suite.Cases) == 0 && len(suite.Suites) == 0 {
		s.Tests += suite.Tests
		s.Failures += suite.Failures
		s.Errors += suite.Errors
		s.Skipped += suite.Skipped
		return
	}
	for _, c := range suite.Cases {
		s.Tests++
		switch {
		case c.Failure != nil:
			s.Failures++
		case c.Error != nil:
			s.Errors++
		case c.Skipped != nil:
			s.Skipped++
			continue
		default:
			continue
		}
		if len(s.Names) < maxReportedNames {
			name := c.Name
			if c.Classname != "" {
				name = c.Classname + "." + c.Name
			}
			s.Names = append(s.Names, name)
		}
	}
	for _, child := range suite.Suites {
		addSuite(s, child)
	}
}
