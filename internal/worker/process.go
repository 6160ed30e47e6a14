package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/aardwiki/internal/wiki"
)

const (
	defaultStartTimeout = time.Minute
	defaultCloseTimeout = 5 * time.Second
)

// Config describes how worker processes are launched.
type Config struct {
	// Executable defaults to the running binary.
	Executable string
	// Args are passed to the executable, e.g. the worker subcommand with its
	// data directory and language flags.
	Args []string
	// Env is appended to the parent environment.
	Env []string
	// StartTimeout bounds the ready handshake.
	StartTimeout time.Duration
	// CloseTimeout bounds a graceful exit before the process is killed.
	CloseTimeout time.Duration
}

// ProcessFactory starts worker processes. It implements wiki.WorkerFactory.
type ProcessFactory struct {
	cfg    Config
	logger *zap.Logger
}

var _ wiki.WorkerFactory = (*ProcessFactory)(nil)

// NewProcessFactory builds a ProcessFactory.
func NewProcessFactory(cfg Config, logger *zap.Logger) (*ProcessFactory, error) {
	if cfg.Executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		cfg.Executable = exe
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = defaultStartTimeout
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = defaultCloseTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessFactory{cfg: cfg, logger: logger.Named("worker")}, nil
}

// Process is the parent-side handle of one worker process.
type Process struct {
	id     int
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	out    *bufio.Reader
	writer *lineWriter
	logger *zap.Logger

	closeTimeout time.Duration

	mu       sync.Mutex
	exited   chan struct{}
	waitErr  error
	killOnce sync.Once
}

var _ wiki.Worker = (*Process)(nil)

// Start launches a worker and waits for its ready handshake.
func (f *ProcessFactory) Start(ctx context.Context, id int) (wiki.Worker, error) {
	cmd := exec.Command(f.cfg.Executable, f.cfg.Args...) // #nosec G204 -- executable and args come from our own config
	cmd.Env = append(os.Environ(), f.cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %d: %w", id, err)
	}

	logger := f.logger.With(zap.Int("worker", id), zap.Int("pid", cmd.Process.Pid))
	p := &Process{
		id:           id,
		cmd:          cmd,
		stdin:        stdin,
		out:          bufio.NewReader(stdout),
		writer:       newLineWriter(stdin),
		logger:       logger,
		closeTimeout: f.cfg.CloseTimeout,
		exited:       make(chan struct{}),
	}

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		relayStderr(stderr, logger)
	}()
	go func() {
		<-stderrDone
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()

	if err := p.handshake(ctx, f.cfg.StartTimeout); err != nil {
		_ = p.Kill()
		return nil, err
	}
	logger.Debug("worker started")
	return p, nil
}

func (p *Process) handshake(ctx context.Context, timeout time.Duration) error {
	type result struct {
		resp Response
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := readLine(p.out)
		if err != nil {
			ch <- result{err: err}
			return
		}
		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			ch <- result{err: fmt.Errorf("decode handshake: %w", err)}
			return
		}
		ch <- result{resp: resp}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: worker %d: %w", wiki.ErrStoreInit, p.id, ctx.Err())
	case <-timer.C:
		return fmt.Errorf("%w: worker %d not ready after %s", wiki.ErrStoreInit, p.id, timeout)
	case res := <-ch:
		switch {
		case res.err != nil:
			return fmt.Errorf("%w: worker %d: %w", wiki.ErrStoreInit, p.id, res.err)
		case res.resp.Fatal != "":
			return fmt.Errorf("%w: worker %d: %s", wiki.ErrStoreInit, p.id, res.resp.Fatal)
		case !res.resp.Ready:
			return fmt.Errorf("%w: worker %d sent no ready message", wiki.ErrStoreInit, p.id)
		}
		return nil
	}
}

// Convert sends title to the worker and waits for its answer. Cancelling
// ctx kills the process.
func (p *Process) Convert(ctx context.Context, title string) (wiki.Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = p.Kill() })
	defer stop()

	if err := p.writer.write(Request{Title: title}); err != nil {
		return wiki.Outcome{}, p.lost(ctx, err)
	}
	line, err := readLine(p.out)
	if err != nil {
		return wiki.Outcome{}, p.lost(ctx, err)
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return wiki.Outcome{}, p.lost(ctx, fmt.Errorf("decode response: %w", err))
	}
	if resp.Title != title {
		return wiki.Outcome{}, p.lost(ctx, fmt.Errorf("response for %q while waiting for %q", resp.Title, title))
	}
	return resp.Outcome(), nil
}

func (p *Process) lost(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: worker %d: %w", wiki.ErrWorkerLost, p.id, err)
}

// Close closes stdin so the worker exits on its own, killing it if it does
// not within the close timeout.
func (p *Process) Close() error {
	_ = p.stdin.Close()
	timer := time.NewTimer(p.closeTimeout)
	defer timer.Stop()
	select {
	case <-p.exited:
		return p.exitErr()
	case <-timer.C:
		p.logger.Warn("worker did not exit, killing")
		return p.Kill()
	}
}

// Kill terminates the process and reaps it.
func (p *Process) Kill() error {
	var killErr error
	p.killOnce.Do(func() {
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			killErr = fmt.Errorf("kill worker %d: %w", p.id, err)
		}
		_ = p.stdin.Close()
	})
	<-p.exited
	return killErr
}

// Exited is closed once the process has been reaped.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// Pid returns the operating system process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

func (p *Process) exitErr() error {
	if p.waitErr == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(p.waitErr, &exitErr) {
		return fmt.Errorf("worker %d exited: %w", p.id, p.waitErr)
	}
	return p.waitErr
}

// relayStderr copies the child's log lines into logger. JSON lines written
// by a zap production logger keep their level and message.
func relayStderr(r io.Reader, logger *zap.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		level, msg, fields := parseChildLog(line)
		if ce := logger.Check(level, msg); ce != nil {
			ce.Write(fields...)
		}
	}
}

func parseChildLog(line string) (zapcore.Level, string, []zap.Field) {
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		return zapcore.InfoLevel, line, nil
	}
	level := zapcore.InfoLevel
	if raw, ok := entry["level"].(string); ok {
		if err := level.UnmarshalText([]byte(raw)); err != nil {
			level = zapcore.InfoLevel
		}
	}
	msg, _ := entry["msg"].(string)
	fields := make([]zap.Field, 0, len(entry))
	for key, value := range entry {
		switch key {
		case "level", "msg", "ts", "caller", "stacktrace":
			continue
		}
		fields = append(fields, zap.Any(key, value))
	}
	return level, msg, fields
}
