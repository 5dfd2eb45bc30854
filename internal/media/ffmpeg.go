// Package media runs the ffmpeg-backed input and output pipelines: pulling
// RTMP into demuxed elementary streams, tapping decoded audio for loudness
// measurement, and publishing the remuxed result back over RTMP.
package media

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// FindBinary resolves the ffmpeg binary, preferring the configured path.
func FindBinary(configured string) (string, error) {
	if configured != "" {
		return exec.LookPath(configured)
	}
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		return "", fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}
	return path, nil
}

// CommandBuilder assembles ffmpeg argument lists with a fluent API.
type CommandBuilder struct {
	binary     string
	globalArgs []string
	inputArgs  []string
	input      string
	outputArgs []string
	output     string
	logLevel   string
}

// NewCommandBuilder creates a builder for the given binary.
func NewCommandBuilder(binary string) *CommandBuilder {
	return &CommandBuilder{binary: binary, logLevel: "error"}
}

// LogLevel sets the ffmpeg log level.
func (b *CommandBuilder) LogLevel(level string) *CommandBuilder {
	b.logLevel = level
	return b
}

// HideBanner hides the ffmpeg banner.
func (b *CommandBuilder) HideBanner() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-hide_banner")
	return b
}

// InputArgs adds arguments applying to the input.
func (b *CommandBuilder) InputArgs(args ...string) *CommandBuilder {
	b.inputArgs = append(b.inputArgs, args...)
	return b
}

// Input sets the input source.
func (b *CommandBuilder) Input(input string) *CommandBuilder {
	b.input = input
	return b
}

// OutputArgs adds arguments applying to the output.
func (b *CommandBuilder) OutputArgs(args ...string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, args...)
	return b
}

// Output sets the output destination.
func (b *CommandBuilder) Output(output string) *CommandBuilder {
	b.output = output
	return b
}

// Build produces the final argument list.
func (b *CommandBuilder) Build() []string {
	args := []string{"-loglevel", b.logLevel}
	args = append(args, b.globalArgs...)
	args = append(args, b.inputArgs...)
	if b.input != "" {
		args = append(args, "-i", b.input)
	}
	args = append(args, b.outputArgs...)
	if b.output != "" {
		args = append(args, b.output)
	}
	return args
}

// Binary returns the configured binary path.
func (b *CommandBuilder) Binary() string {
	return b.binary
}

// String renders the command for logging.
func (b *CommandBuilder) String() string {
	return b.binary + " " + strings.Join(b.Build(), " ")
}

// Process wraps a running ffmpeg subprocess with stderr capture and
// graceful shutdown.
type Process struct {
	name   string
	logger *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	stderr  []string
	started time.Time
	done    chan struct{}
	waitErr error
}

// maxStderrLines bounds the retained stderr tail.
const maxStderrLines = 40

// NewProcess creates a process wrapper. name labels log lines.
func NewProcess(name string, logger *slog.Logger) *Process {
	return &Process{
		name:   name,
		logger: logger.With(slog.String("component", "ffmpeg"), slog.String("process", name)),
	}
}

// StartOptions selects which pipes the caller needs.
type StartOptions struct {
	Binary string
	Args   []string
	Stdin  bool
	Stdout bool
}

// Start launches the subprocess. Requested pipes are available through
// Stdin and Stdout afterwards.
func (p *Process) Start(ctx context.Context, opts StartOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil {
		return fmt.Errorf("%s already started", p.name)
	}

	cmd := exec.CommandContext(ctx, opts.Binary, opts.Args...)
	cmd.WaitDelay = 5 * time.Second

	if opts.Stdin {
		w, err := cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("stdin pipe: %w", err)
		}
		p.stdin = w
	}
	if opts.Stdout {
		r, err := cmd.StdoutPipe()
		if err != nil {
			return fmt.Errorf("stdout pipe: %w", err)
		}
		p.stdout = r
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", p.name, err)
	}
	p.cmd = cmd
	p.started = time.Now()
	p.done = make(chan struct{})

	go p.drainStderr(stderr)
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		close(p.done)
		p.mu.Unlock()
	}()

	p.logger.Debug("process started", slog.Int("pid", cmd.Process.Pid))
	return nil
}

func (p *Process) drainStderr(r io.Reader) {
	buf := make([]byte, 4096)
	var pending string
	for {
		n, err := r.Read(buf)
		if n > 0 {
			pending += string(buf[:n])
			for {
				idx := strings.IndexByte(pending, '\n')
				if idx < 0 {
					break
				}
				line := strings.TrimSpace(pending[:idx])
				pending = pending[idx+1:]
				if line == "" {
					continue
				}
				p.mu.Lock()
				p.stderr = append(p.stderr, line)
				if len(p.stderr) > maxStderrLines {
					p.stderr = p.stderr[len(p.stderr)-maxStderrLines:]
				}
				p.mu.Unlock()
				p.logger.Debug("ffmpeg stderr", slog.String("line", line))
			}
		}
		if err != nil {
			return
		}
	}
}

// Stdin returns the subprocess stdin pipe, if requested at start.
func (p *Process) Stdin() io.WriteCloser {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdin
}

// Stdout returns the subprocess stdout pipe, if requested at start.
func (p *Process) Stdout() io.ReadCloser {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdout
}

// Wait blocks until the subprocess exits.
func (p *Process) Wait() error {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done == nil {
		return fmt.Errorf("%s not started", p.name)
	}
	<-done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// Done returns a channel closed when the subprocess exits.
func (p *Process) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Stop closes stdin so ffmpeg can finish its output, then waits for exit.
// The context cancellation passed to Start remains the hard kill.
func (p *Process) Stop() {
	p.mu.Lock()
	stdin := p.stdin
	done := p.done
	p.mu.Unlock()

	if stdin != nil {
		stdin.Close()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			p.mu.Lock()
			if p.cmd != nil && p.cmd.Process != nil {
				p.logger.Warn("process did not exit, killing")
				_ = p.cmd.Process.Kill()
			}
			p.mu.Unlock()
		}
	}
}

// StderrTail returns the retained tail of stderr for diagnostics.
func (p *Process) StderrTail() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.stderr))
	copy(out, p.stderr)
	return out
}

// Uptime returns how long the subprocess has been running.
func (p *Process) Uptime() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started.IsZero() {
		return 0
	}
	return time.Since(p.started)
}
