package engine

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// CommandEngine shells out to a configured agent process for each run.
// The message is written to the process's stdin; every stdout line comes
// back as one chunk. This is the narrowest possible coupling to an agent
// runtime that lives outside this process.
type CommandEngine struct {
	Command string
	Args    []string
	Timeout time.Duration // zero means no limit
	Logger  *slog.Logger
}

func (e *CommandEngine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *CommandEngine) Run(ctx context.Context, sessionID, message string, emit func(Progress)) error {
	if e.Command == "" {
		return fmt.Errorf("engine command not configured")
	}

	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	args := append([]string{}, e.Args...)
	cmd := exec.CommandContext(ctx, e.Command, args...)
	cmd.Stdin = strings.NewReader(message)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("engine stdout pipe: %w", err)
	}

	emit(Progress{Kind: ProgressStatus, Text: "Processing message..."})

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start engine %q: %w", e.Command, err)
	}
	e.logger().Debug("engine started", "command", e.Command, "session_id", sessionID)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		emit(Progress{Kind: ProgressChunk, Text: scanner.Text() + "\n"})
	}
	scanErr := scanner.Err()

	if err := cmd.Wait(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return fmt.Errorf("engine exited: %w: %s", err, detail)
		}
		return fmt.Errorf("engine exited: %w", err)
	}
	if scanErr != nil {
		return fmt.Errorf("read engine output: %w", scanErr)
	}
	return nil
}
