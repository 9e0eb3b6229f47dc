package agent

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"sync"
)

// CommandRunner runs each agent turn as a subprocess: the message goes to
// stdin, stdout streams back as deltas, and the last accumulated text is the
// final reply. It is the default runner when no embedded engine is wired.
type CommandRunner struct {
	// Argv is the command and its arguments. The session key is appended
	// as the final argument.
	Argv []string

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewCommandRunner creates a subprocess-backed runner.
func NewCommandRunner(argv []string) *CommandRunner {
	return &CommandRunner{
		Argv:   argv,
		active: make(map[string]context.CancelFunc),
	}
}

// Run starts the subprocess for one turn and streams its output.
func (r *CommandRunner) Run(ctx context.Context, params RunParams) (<-chan Event, error) {
	if len(r.Argv) == 0 {
		return nil, fmt.Errorf("agent command not configured")
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	if prev, ok := r.active[params.SessionKey]; ok {
		prev()
	}
	r.active[params.SessionKey] = cancel
	r.mu.Unlock()

	args := append(append([]string(nil), r.Argv[1:]...), params.SessionKey)
	cmd := exec.CommandContext(runCtx, r.Argv[0], args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("agent stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("agent stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start agent command: %w", err)
	}

	events := make(chan Event, 16)
	go func() {
		defer close(events)
		defer func() {
			r.mu.Lock()
			if r.active[params.SessionKey] != nil {
				delete(r.active, params.SessionKey)
			}
			r.mu.Unlock()
			cancel()
		}()

		go func() {
			defer stdin.Close()
			stdin.Write([]byte(params.Message + "\n"))
		}()

		var accumulated string
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			if accumulated != "" {
				accumulated += "\n"
			}
			accumulated += scanner.Text()
			events <- Event{Kind: EventDelta, Text: accumulated}
		}

		err := cmd.Wait()
		switch {
		case runCtx.Err() != nil:
			events <- Event{Kind: EventAborted}
		case err != nil:
			events <- Event{Kind: EventError, Err: fmt.Errorf("agent command: %w", err)}
		default:
			events <- Event{Kind: EventFinal, Text: accumulated}
		}
	}()
	return events, nil
}

// Abort cancels the active run for sessionKey, if any.
func (r *CommandRunner) Abort(sessionKey string) {
	r.mu.Lock()
	cancel := r.active[sessionKey]
	delete(r.active, sessionKey)
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
