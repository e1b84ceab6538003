package robot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"

	"github.com/rezkam/fleetq/internal/domain"
)

// ExecEngine runs a claimed workflow. The orchestrator never sees the
// workflow's internals: the engine receives the payload and input variables
// and eventually returns a result or an error.
type ExecEngine interface {
	Execute(ctx context.Context, job *domain.Job) (map[string]any, error)
}

// Exit code convention for external engines: 2 marks the failure permanent
// (invalid workflow, bad selector); everything else non-zero is retryable.
const permanentExitCode = 2

// CommandEngine invokes an external executable for each job, writing the
// workflow payload and input on stdin and parsing stdout as the JSON result.
type CommandEngine struct {
	// Path is the engine executable.
	Path string
	// Args are passed before the job id.
	Args []string
}

type commandInput struct {
	JobID      string          `json:"job_id"`
	WorkflowID string          `json:"workflow_id"`
	Workflow   json.RawMessage `json:"workflow"`
	Input      map[string]any  `json:"input,omitempty"`
}

// Execute implements ExecEngine.
func (e *CommandEngine) Execute(ctx context.Context, job *domain.Job) (map[string]any, error) {
	stdin, err := json.Marshal(commandInput{
		JobID:      job.ID,
		WorkflowID: job.WorkflowID,
		Workflow:   job.Payload,
		Input:      job.Input,
	})
	if err != nil {
		return nil, Permanent(fmt.Errorf("failed to encode engine input: %w", err))
	}

	args := append(append([]string(nil), e.Args...), job.ID)
	cmd := exec.CommandContext(ctx, e.Path, args...)
	cmd.Stdin = bytes.NewReader(stdin)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == permanentExitCode {
			return nil, Permanent(fmt.Errorf("engine rejected workflow: %s", firstLine(stderr.String())))
		}
		return nil, Transient(fmt.Errorf("engine failed: %w: %s", err, firstLine(stderr.String())))
	}

	if stdout.Len() == 0 {
		return nil, nil
	}
	var result map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return nil, Permanent(fmt.Errorf("engine produced invalid result JSON: %w", err))
	}
	return result, nil
}

// NopEngine acknowledges every job without doing work. Used for dry runs and
// for exercising the queue protocol without a real execution engine attached.
type NopEngine struct{}

// Execute implements ExecEngine.
func (NopEngine) Execute(ctx context.Context, job *domain.Job) (map[string]any, error) {
	return map[string]any{"dry_run": true}, nil
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
