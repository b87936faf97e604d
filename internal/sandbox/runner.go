package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	dockerexec "github.com/noah-isme/gema-exam-engine/pkg/docker"
)

const (
	workspaceMount = "/workspace"
	sandboxUser    = "65534:65534"

	ErrorTimeLimit   = "Time Limit Exceeded"
	ErrorOutputLimit = "Output Limit Exceeded"
	ErrorMemoryLimit = "Memory Limit Exceeded"
	ErrorRuntime     = "Runtime Error"
	ErrorExecution   = "Execution Error"
)

var (
	// ErrExecution indicates the sandbox itself could not run the submission.
	ErrExecution = errors.New("code execution failed")
	// ErrUnsupportedLanguage indicates no toolchain is configured for the language.
	ErrUnsupportedLanguage = errors.New("unsupported language")
)

// TestCase is a single stdin/stdout expectation.
type TestCase struct {
	Input          string `json:"input"`
	ExpectedOutput string `json:"expected_output"`
	IsHidden       bool   `json:"is_hidden"`
}

// TestResult is the outcome of one test case.
type TestResult struct {
	Index          int    `json:"index"`
	Passed         bool   `json:"passed"`
	IsHidden       bool   `json:"is_hidden"`
	Input          string `json:"input,omitempty"`
	ExpectedOutput string `json:"expected_output,omitempty"`
	ActualOutput   string `json:"actual_output,omitempty"`
	Stderr         string `json:"stderr,omitempty"`
	Error          string `json:"error,omitempty"`
	DurationMs     int64  `json:"duration_ms"`
}

// Report aggregates every test result of one execution.
type Report struct {
	Success          bool         `json:"success"`
	Results          []TestResult `json:"results"`
	CompilationError string       `json:"compilation_error,omitempty"`
	TotalPassed      int          `json:"total_passed"`
	TotalTests       int          `json:"total_tests"`
}

// Config holds the limits applied to every execution.
type Config struct {
	Timeout          time.Duration
	CompileTimeout   time.Duration
	MemoryLimitMB    int
	CPUShares        int
	PidsLimit        int
	OutputLimitBytes int
	MaxConcurrent    int
	MaxParallelTests int
	WorkspaceRoot    string
}

// Runner executes untrusted code against test cases.
type Runner interface {
	Execute(ctx context.Context, code, language string, testCases []TestCase) (Report, error)
	Supports(language string) bool
}

type runner struct {
	executor  dockerexec.Executor
	cfg       Config
	slots     *semaphore.Weighted
	languages map[string]language
	logger    zerolog.Logger
	tracer    trace.Tracer
}

// NewRunner builds a Runner on top of a container executor. The semaphore bounds container
// runs across every concurrent Execute call in the process.
func NewRunner(executor dockerexec.Executor, cfg Config, logger zerolog.Logger) Runner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.CompileTimeout <= 0 {
		cfg.CompileTimeout = 6 * cfg.Timeout
	}
	if cfg.MemoryLimitMB <= 0 {
		cfg.MemoryLimitMB = 256
	}
	if cfg.CPUShares <= 0 {
		cfg.CPUShares = 512
	}
	if cfg.PidsLimit <= 0 {
		cfg.PidsLimit = 64
	}
	if cfg.OutputLimitBytes <= 0 {
		cfg.OutputLimitBytes = 64 * 1024
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.MaxParallelTests <= 0 {
		cfg.MaxParallelTests = cfg.MaxConcurrent
	}
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = os.TempDir()
	}

	return &runner{
		executor:  executor,
		cfg:       cfg,
		slots:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		languages: defaultLanguages(),
		logger:    logger.With().Str("component", "sandbox_runner").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/gema-exam-engine/internal/sandbox"),
	}
}

func (r *runner) Supports(name string) bool {
	_, ok := r.languages[normalizeLanguage(name)]
	return ok
}

func (r *runner) Execute(ctx context.Context, code, languageName string, testCases []TestCase) (Report, error) {
	name := normalizeLanguage(languageName)
	ctx, span := r.tracer.Start(ctx, "sandbox.execute", trace.WithAttributes(
		attribute.String("sandbox.language", name),
		attribute.Int("sandbox.tests", len(testCases)),
	))
	defer span.End()

	lang, ok := r.languages[name]
	if !ok {
		span.SetStatus(codes.Error, "unsupported_language")
		return Report{}, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, languageName)
	}

	report := Report{
		Results:    make([]TestResult, len(testCases)),
		TotalTests: len(testCases),
	}

	workspace, err := os.MkdirTemp(r.cfg.WorkspaceRoot, "sandbox-")
	if err != nil {
		span.RecordError(err)
		return report, fmt.Errorf("%w: create workspace: %v", ErrExecution, err)
	}
	defer func() {
		if err := os.RemoveAll(workspace); err != nil {
			r.logger.Error().Err(err).Str("workspace", workspace).Msg("failed to remove sandbox workspace")
		}
	}()

	if err := prepareWorkspace(workspace, lang.FileName, code, testCases); err != nil {
		span.RecordError(err)
		return report, fmt.Errorf("%w: %v", ErrExecution, err)
	}

	if lang.compiled() {
		compileErr, err := r.compile(ctx, lang, workspace)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "compile_failed")
			return report, err
		}
		if compileErr != "" {
			report.CompilationError = compileErr
			for i, tc := range testCases {
				report.Results[i] = TestResult{Index: i, IsHidden: tc.IsHidden, Input: tc.Input, ExpectedOutput: tc.ExpectedOutput}
			}
			span.SetAttributes(attribute.Bool("sandbox.compilation_error", true))
			return report, nil
		}
	}

	var group errgroup.Group
	group.SetLimit(r.cfg.MaxParallelTests)
	for i, tc := range testCases {
		i, tc := i, tc
		group.Go(func() error {
			report.Results[i] = r.runTest(ctx, lang, workspace, i, tc)
			return nil
		})
	}
	_ = group.Wait()

	broken := 0
	for _, result := range report.Results {
		if result.Passed {
			report.TotalPassed++
		}
		if result.Error == ErrorExecution {
			broken++
		}
	}
	report.Success = report.TotalTests > 0 && report.TotalPassed == report.TotalTests
	if broken > 0 {
		span.SetStatus(codes.Error, "execution_failed")
		return report, fmt.Errorf("%w: %d of %d tests could not run", ErrExecution, broken, report.TotalTests)
	}

	span.SetAttributes(
		attribute.Int("sandbox.passed", report.TotalPassed),
		attribute.Bool("sandbox.success", report.Success),
	)

	return report, nil
}

func (r *runner) compile(ctx context.Context, lang language, workspace string) (string, error) {
	if err := r.slots.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("%w: %v", ErrExecution, err)
	}
	defer r.slots.Release(1)

	result, err := r.executor.Run(ctx, dockerexec.ExecutionRequest{
		Image:            lang.Image,
		Cmd:              lang.Compile,
		Timeout:          r.cfg.CompileTimeout,
		Workspace:        workspace,
		WorkingDir:       workspaceMount,
		MemoryLimitMB:    int64(r.cfg.MemoryLimitMB) * 2,
		CPUShares:        int64(r.cfg.CPUShares),
		PidsLimit:        int64(r.cfg.PidsLimit) * 4,
		OutputLimitBytes: int64(r.cfg.OutputLimitBytes),
	})
	if result.TimedOut || errors.Is(err, dockerexec.ErrTimedOut) {
		return "Compilation " + ErrorTimeLimit, nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: compile: %v", ErrExecution, err)
	}
	if result.ExitCode != 0 {
		message := strings.TrimSpace(result.Stderr)
		if message == "" {
			message = strings.TrimSpace(result.Stdout)
		}
		if message == "" {
			message = fmt.Sprintf("compiler exited with status %d", result.ExitCode)
		}
		return message, nil
	}
	return "", nil
}

func (r *runner) runTest(ctx context.Context, lang language, workspace string, index int, tc TestCase) TestResult {
	out := TestResult{
		Index:          index,
		IsHidden:       tc.IsHidden,
		Input:          tc.Input,
		ExpectedOutput: tc.ExpectedOutput,
	}

	if err := r.slots.Acquire(ctx, 1); err != nil {
		out.Error = ErrorExecution
		return out
	}
	defer r.slots.Release(1)

	command := fmt.Sprintf("%s < %s", lang.Run, inputFileName(index))
	result, err := r.executor.Run(ctx, dockerexec.ExecutionRequest{
		Image:             lang.Image,
		Cmd:               []string{"sh", "-c", command},
		Timeout:           r.cfg.Timeout,
		Workspace:         workspace,
		WorkingDir:        workspaceMount,
		WorkspaceReadOnly: true,
		ReadOnlyFS:        true,
		User:              sandboxUser,
		MemoryLimitMB:     int64(r.cfg.MemoryLimitMB),
		CPUShares:         int64(r.cfg.CPUShares),
		PidsLimit:         int64(r.cfg.PidsLimit),
		OutputLimitBytes:  int64(r.cfg.OutputLimitBytes),
	})
	out.DurationMs = result.Duration.Milliseconds()
	out.ActualOutput = result.Stdout
	out.Stderr = result.Stderr

	switch {
	case result.TimedOut || errors.Is(err, dockerexec.ErrTimedOut):
		out.Error = ErrorTimeLimit
	case err != nil:
		r.logger.Warn().Err(err).Int("test_index", index).Msg("sandbox test execution failed")
		out.Error = ErrorExecution
	case result.OutputTruncated:
		out.Error = ErrorOutputLimit
	case result.ExitCode == 137:
		out.Error = ErrorMemoryLimit
	case result.ExitCode != 0:
		out.Error = fmt.Sprintf("%s (exit status %d)", ErrorRuntime, result.ExitCode)
	default:
		out.Passed = strings.TrimSpace(result.Stdout) == strings.TrimSpace(tc.ExpectedOutput)
	}

	return out
}

// Redact blanks input, expected and actual output of hidden tests for non-privileged
// viewers. Pass/fail stays visible.
func Redact(report Report, privileged bool) Report {
	if privileged {
		return report
	}

	redacted := report
	redacted.Results = make([]TestResult, len(report.Results))
	for i, result := range report.Results {
		if result.IsHidden {
			result.Input = ""
			result.ExpectedOutput = ""
			result.ActualOutput = ""
			result.Stderr = ""
		}
		redacted.Results[i] = result
	}
	return redacted
}

func prepareWorkspace(workspace, fileName, code string, testCases []TestCase) error {
	if err := os.Chmod(workspace, 0o755); err != nil {
		return fmt.Errorf("chmod workspace: %w", err)
	}
	if err := os.WriteFile(filepath.Join(workspace, fileName), []byte(code), 0o644); err != nil {
		return fmt.Errorf("write source: %w", err)
	}
	for i, tc := range testCases {
		if err := os.WriteFile(filepath.Join(workspace, inputFileName(i)), []byte(tc.Input), 0o644); err != nil {
			return fmt.Errorf("write input %d: %w", i, err)
		}
	}
	return nil
}

func inputFileName(index int) string {
	return fmt.Sprintf("input_%d.txt", index)
}
