package agent

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/conduit-orch/conduit/pkg/models"
)

// CommandHandler returns a Handler that executes the shell command
// carried in a task-execute payload. Non-task payloads and tasks
// without a command are acknowledged with a descriptive no-op result.
// This is the handler the CLI wires in; library callers supply their own.
func CommandHandler(shell string) Handler {
	if shell == "" {
		shell = "/bin/sh"
	}

	return func(ctx context.Context, msg *models.Message) (string, error) {
		if msg.Payload.Type != models.PayloadTaskExecute || msg.Payload.Task == nil {
			return fmt.Sprintf("acknowledged %s message %s", msg.Payload.Type, msg.ID), nil
		}

		task := msg.Payload.Task
		if task.Command == "" {
			return fmt.Sprintf("no command for task %s: %s", task.TaskID, task.Description), nil
		}

		cmd := exec.CommandContext(ctx, shell, "-c", task.Command)
		if task.PriorResult != "" {
			cmd.Env = append(cmd.Environ(), "CONDUIT_PRIOR_RESULT="+task.PriorResult)
		}

		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out
		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("task %s command failed: %w: %s", task.TaskID, err, strings.TrimSpace(out.String()))
		}
		return strings.TrimSpace(out.String()), nil
	}
}
