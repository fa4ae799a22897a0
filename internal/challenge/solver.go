// Package challenge solves inline anti-bot script challenges by executing the
// captured payload inside an isolated Node process and harvesting the cookies
// it computes. The sandbox is untrusted and time-bounded; anything else
// (timeout, non-zero exit, unparsable output) is reported as unsolved.
package challenge

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
)

//go:embed harness.js
var harnessScript []byte

const (
	defaultNodeBinary     = "node"
	defaultSolveTimeout   = 10 * time.Second
	harnessFilePattern    = "challenge-harness-*.js"
	payloadFilePattern    = "challenge-payload-*.js"
	errMessageNodeMissing = "node runtime not found"
	errMessageWriteScript = "write challenge script"
	logMessageSolved      = "challenge solved"
	logMessageUnsolved    = "challenge not solved"
	logFieldCookies       = "cookies"
	logFieldReason        = "reason"
)

var (
	// ErrRuntimeUnavailable marks a missing sandbox runtime; the caller skips
	// every site that needs the solver instead of failing the run.
	ErrRuntimeUnavailable = errors.New(errMessageNodeMissing)

	inlineScriptPattern = regexp.MustCompile(`(?is)<script[^>]*>([\s\S]*?)</script>`)
)

// SandboxResult is the raw outcome of one sandbox execution.
type SandboxResult struct {
	ExitCode   int
	StdoutJSON string
}

// Sandbox executes a challenge script and returns its JSON cookie output.
type Sandbox interface {
	Run(ctx context.Context, scriptText string, timeout time.Duration) (SandboxResult, error)
}

// NodeSandbox runs challenge scripts under the embedded Node harness.
type NodeSandbox struct {
	binaryPath string
}

// NewNodeSandbox locates the Node binary, returning ErrRuntimeUnavailable
// when no runtime is installed.
func NewNodeSandbox(binaryPath string) (*NodeSandbox, error) {
	candidate := strings.TrimSpace(binaryPath)
	if candidate == "" {
		candidate = defaultNodeBinary
	}
	resolved, lookErr := exec.LookPath(candidate)
	if lookErr != nil {
		return nil, fmt.Errorf("%w: %s", ErrRuntimeUnavailable, candidate)
	}
	return &NodeSandbox{binaryPath: resolved}, nil
}

// Run writes the harness and payload to temp files and executes Node with a
// hard deadline. The process is killed when the deadline passes.
func (sandbox *NodeSandbox) Run(ctx context.Context, scriptText string, timeout time.Duration) (SandboxResult, error) {
	if timeout <= 0 {
		timeout = defaultSolveTimeout
	}

	harnessPath, harnessErr := writeTempScript(harnessFilePattern, harnessScript)
	if harnessErr != nil {
		return SandboxResult{}, harnessErr
	}
	defer os.Remove(harnessPath)

	payloadPath, payloadErr := writeTempScript(payloadFilePattern, []byte(scriptText))
	if payloadErr != nil {
		return SandboxResult{}, payloadErr
	}
	defer os.Remove(payloadPath)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	command := exec.CommandContext(runCtx, sandbox.binaryPath, harnessPath, payloadPath)
	var stdout bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = io.Discard

	if startErr := command.Start(); startErr != nil {
		return SandboxResult{}, startErr
	}

	waitChannel := make(chan error, 1)
	go func() {
		waitChannel <- command.Wait()
	}()

	select {
	case <-runCtx.Done():
		_ = command.Process.Kill()
		<-waitChannel
		return SandboxResult{}, runCtx.Err()
	case waitErr := <-waitChannel:
		result := SandboxResult{StdoutJSON: strings.TrimSpace(stdout.String())}
		if waitErr != nil {
			var exitErr *exec.ExitError
			if errors.As(waitErr, &exitErr) {
				result.ExitCode = exitErr.ExitCode()
				return result, nil
			}
			return SandboxResult{}, waitErr
		}
		return result, nil
	}
}

func writeTempScript(pattern string, content []byte) (string, error) {
	file, createErr := os.CreateTemp("", pattern)
	if createErr != nil {
		return "", fmt.Errorf("%s: %w", errMessageWriteScript, createErr)
	}
	if _, writeErr := file.Write(content); writeErr != nil {
		file.Close()
		os.Remove(file.Name())
		return "", fmt.Errorf("%s: %w", errMessageWriteScript, writeErr)
	}
	if closeErr := file.Close(); closeErr != nil {
		os.Remove(file.Name())
		return "", fmt.Errorf("%s: %w", errMessageWriteScript, closeErr)
	}
	return file.Name(), nil
}

// CookieSet is the name→value map a solved challenge computes.
type CookieSet map[string]string

// Solver turns captured challenge payloads into cookie sets.
type Solver struct {
	sandbox Sandbox
	timeout time.Duration
	logger  *zap.Logger
}

// SolverConfig configures a Solver.
type SolverConfig struct {
	Sandbox Sandbox
	Timeout time.Duration
	Logger  *zap.Logger
}

// NewSolver constructs a Solver; a nil sandbox means the Node runtime is
// resolved lazily by the caller and must be passed in.
func NewSolver(configuration SolverConfig) *Solver {
	timeout := configuration.Timeout
	if timeout <= 0 {
		timeout = defaultSolveTimeout
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Solver{sandbox: configuration.Sandbox, timeout: timeout, logger: logger}
}

// Solve executes the payload and returns the computed cookies, or nil when
// the challenge could not be solved. The upstream puzzle is not
// deterministic, so callers retry with a freshly captured payload rather
// than caching this output.
func (solver *Solver) Solve(ctx context.Context, scriptPayload string) CookieSet {
	result, runErr := solver.sandbox.Run(ctx, scriptPayload, solver.timeout)
	if runErr != nil {
		solver.logger.Debug(logMessageUnsolved, zap.String(logFieldReason, runErr.Error()))
		return nil
	}
	if result.ExitCode != 0 || result.StdoutJSON == "" {
		solver.logger.Debug(logMessageUnsolved,
			zap.Int("exitCode", result.ExitCode))
		return nil
	}

	var cookies CookieSet
	if err := json.Unmarshal([]byte(result.StdoutJSON), &cookies); err != nil {
		solver.logger.Debug(logMessageUnsolved, zap.String(logFieldReason, "unparsable output"))
		return nil
	}
	if len(cookies) == 0 {
		return nil
	}
	solver.logger.Debug(logMessageSolved, zap.Int(logFieldCookies, len(cookies)))
	return cookies
}

// ExtractInlineScript returns the body of the first inline <script> block in
// an HTML document, which is where protected sites embed their challenge.
func ExtractInlineScript(htmlContent string) (string, bool) {
	matches := inlineScriptPattern.FindStringSubmatch(htmlContent)
	if len(matches) < 2 || strings.TrimSpace(matches[1]) == "" {
		return "", false
	}
	return matches[1], true
}

// LooksLikeChallenge reports whether an HTML body carries the inline script
// challenge pattern served instead of real content.
func LooksLikeChallenge(htmlContent string) bool {
	return strings.Contains(htmlContent, "<script>") && strings.Contains(htmlContent, "arg1=")
}
