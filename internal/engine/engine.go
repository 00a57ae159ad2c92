// Package engine delivers a script into an already-running sandbox,
// executes it, enforces a wall-clock timeout, and decides whether the
// sandbox can be leased out again.
package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/p-arndt/scriptexecd/internal/runtime"
	"github.com/p-arndt/scriptexecd/internal/sandbox"
)

// outputCap is the maximum number of bytes kept per stream; anything
// beyond it is replaced with truncationMarker.
const outputCap = 1 << 20 // 1 MiB

const truncationMarker = "\n[...output truncated]"

// maxExecutionsPerSandbox caps how many scripts a single container
// runs before it is recycled instead of returned to its pool.
const maxExecutionsPerSandbox = 100

// killGrace is how long a SIGTERM'd process is given before SIGKILL.
const killGrace = 2 * time.Second

type Engine struct {
	client runtime.Client
	log    *slog.Logger
}

func New(client runtime.Client, log *slog.Logger) *Engine {
	return &Engine{client: client, log: log}
}

// Execute runs script inside h's container, piping stdin to it and
// enforcing timeout. It always returns a Result; the second return
// value reports whether h remains safe to lease out again.
func (e *Engine) Execute(ctx context.Context, h *sandbox.Handle, script, stdin string, timeout time.Duration) (Result, bool) {
	start := time.Now()
	elapsed := func() float64 { return time.Since(start).Seconds() }

	workDir, err := randomWorkDir()
	if err != nil {
		h.Taint()
		return errorResult(fmt.Sprintf("%v: %v", ErrRuntimeAPI, err), elapsed()), false
	}
	scriptPath := workDir + "/script"

	if err := e.deliverScript(ctx, h.ContainerID, workDir, scriptPath, script); err != nil {
		h.Taint()
		return errorResult(fmt.Sprintf("%v: %v", ErrRuntimeAPI, err), elapsed()), false
	}

	execResult, outcome, runErr := e.run(ctx, h.ContainerID, scriptPath, stdin, timeout)
	if outcome != outcomeOK {
		h.Taint()
	}

	e.cleanup(h.ContainerID, workDir, h)

	h.RecordExecution()

	result := Result{
		Success:       outcome == outcomeOK && execResult.ExitCode == 0,
		Stdout:        truncate(execResult.Stdout),
		Stderr:        truncate(execResult.Stderr),
		ExitCode:      execResult.ExitCode,
		ExecutionTime: elapsed(),
	}
	switch outcome {
	case outcomeTimeout:
		msg := "execution timeout"
		result.Error = &msg
	case outcomeCanceled:
		msg := fmt.Sprintf("execution canceled: %v", runErr)
		result.Error = &msg
	case outcomeInfraError:
		msg := fmt.Sprintf("%v: %v", ErrRuntimeAPI, runErr)
		result.Error = &msg
	}

	return result, e.reusable(ctx, h)
}

func randomWorkDir() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating work dir: %w", err)
	}
	return "/tmp/" + hex.EncodeToString(buf), nil
}

// deliverScript writes script atomically into scriptPath by piping it
// as exec stdin, never interpolating its contents into a shell command,
// and marks it executable: `sh -c <path>` execs the path directly
// (unlike `sh <path>`, which reads it as script text), so without the
// execute bit the shell's own redirect-created 0644 file would fail
// every run with "Permission denied".
func (e *Engine) deliverScript(ctx context.Context, containerID, workDir, scriptPath, script string) error {
	cmd := fmt.Sprintf("mkdir -p %s && cat > %s.tmp && chmod +x %s.tmp && mv %s.tmp %s", workDir, scriptPath, scriptPath, scriptPath, scriptPath)
	res, err := e.client.ContainerExec(ctx, containerID, []string{"sh", "-c", cmd}, []byte(script), 10*time.Second)
	if err != nil {
		return fmt.Errorf("delivering script: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("delivering script: exit code %d: %s", res.ExitCode, string(res.Stderr))
	}
	return nil
}

// execOutcome classifies how the script's exec ended, distinguishing a
// clean run from the three failure shapes that each require different
// handling: our own wall-clock timeout, the caller's context being
// canceled mid-exec, and an unrelated runtime/transport failure.
type execOutcome int

const (
	outcomeOK execOutcome = iota
	outcomeTimeout
	outcomeCanceled
	outcomeInfraError
)

// run executes scriptPath and enforces timeout, killing the process
// group with SIGTERM then SIGKILL on expiry or cancellation.
//
// ContainerExec can return TimedOut=true together with a non-nil err
// (the ctx.Done() case races the timer): that is still a kill-and-taint
// situation, not a bare infra error, so TimedOut is checked before err
// rather than after — checking err first would silently discard the
// captured output and leave the handle looking healthy.
func (e *Engine) run(ctx context.Context, containerID, scriptPath, stdin string, timeout time.Duration) (runtime.ExecResult, execOutcome, error) {
	var stdinBytes []byte
	if stdin != "" {
		stdinBytes = []byte(stdin)
	}

	res, err := e.client.ContainerExec(ctx, containerID, []string{"sh", "-c", scriptPath}, stdinBytes, timeout)

	if res.TimedOut {
		e.killProcessTree(containerID, scriptPath)
		if err != nil {
			return res, outcomeCanceled, err
		}
		return res, outcomeTimeout, nil
	}
	if err != nil {
		e.log.Warn("exec failed", "container", containerID, "err", err)
		return runtime.ExecResult{ExitCode: -1}, outcomeInfraError, err
	}
	return res, outcomeOK, nil
}

// killProcessTree escalates SIGTERM to SIGKILL against every process
// matching scriptPath inside containerID, giving killGrace between them.
func (e *Engine) killProcessTree(containerID, scriptPath string) {
	killCtx, cancel := context.WithTimeout(context.Background(), killGrace+5*time.Second)
	defer cancel()

	if err := e.client.SignalProcess(killCtx, containerID, scriptPath, "TERM"); err != nil {
		e.log.Warn("sending SIGTERM failed", "container", containerID, "err", err)
	}
	time.Sleep(killGrace)
	if err := e.client.SignalProcess(killCtx, containerID, scriptPath, "KILL"); err != nil {
		e.log.Warn("sending SIGKILL failed", "container", containerID, "err", err)
	}
}

// cleanup removes the per-execution working directory. Failure taints
// the handle but never changes the already-computed Result.
func (e *Engine) cleanup(containerID, workDir string, h *sandbox.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := e.client.ContainerExec(ctx, containerID, []string{"sh", "-c", "rm -rf " + workDir}, nil, 5*time.Second)
	if err != nil || res.ExitCode != 0 {
		h.Taint()
	}
}

// reusable applies the post-execution decision table: tainted, no
// longer running, or past its age limit all mean destroy.
func (e *Engine) reusable(ctx context.Context, h *sandbox.Handle) bool {
	if h.Health() == sandbox.HealthTainted {
		return false
	}
	if h.Stale(maxExecutionsPerSandbox) {
		return false
	}

	state, err := e.client.ContainerInspectState(ctx, h.ContainerID)
	if err != nil || state != runtime.StateRunning {
		return false
	}
	return true
}

func truncate(b []byte) string {
	if len(b) <= outputCap {
		return string(b)
	}
	return string(b[:outputCap]) + truncationMarker
}
