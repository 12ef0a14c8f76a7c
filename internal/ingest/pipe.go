package ingest

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
)

// PipeSource runs a collector command and reads one message per stdout line,
// e.g. `tail -F /var/log/nginx/access.log` or a scanner emitting JSON lines.
type PipeSource struct {
	command []string
	mu      sync.Mutex
	cmd     *exec.Cmd
	cancel  context.CancelFunc
}

// NewPipeSource creates a PipeSource for command and its arguments.
func NewPipeSource(command []string) *PipeSource {
	return &PipeSource{command: command}
}

func (p *PipeSource) Messages(ctx context.Context) (<-chan Message, error) {
	if len(p.command) == 0 {
		return nil, fmt.Errorf("empty pipe command")
	}

	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	cmd := exec.CommandContext(ctx, p.command[0], p.command[1:]...)
	p.mu.Lock()
	p.cmd = cmd
	p.mu.Unlock()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("starting %s: %w", p.command[0], err)
	}

	ch := make(chan Message, 64)

	go func() {
		defer close(ch)
		defer func() {
			_ = cmd.Wait()
		}()

		scanner := bufio.NewScanner(stdout)
		// Scanner reports can be large; allow lines up to 1MB.
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			msg, err := decode(scanner.Bytes())
			if err != nil {
				slog.Debug("skipping unparseable collector line", "error", err)
				continue
			}

			select {
			case ch <- msg:
			case <-ctx.Done():
				return
			}
		}

		if err := scanner.Err(); err != nil {
			slog.Warn("collector pipe scanner error", "error", err)
		}
	}()

	slog.Info("collector pipe started", "command", p.command[0])
	return ch, nil
}

func (p *PipeSource) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
}
