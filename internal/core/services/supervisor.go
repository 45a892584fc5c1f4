package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"

	"go.uber.org/zap"
)

// CommandFactory builds the transcoder command. Tests substitute a shell.
type CommandFactory func(name string, args ...string) *exec.Cmd

// SpawnGuard wraps process start; the circuit breaker satisfies it.
type SpawnGuard interface {
	Execute(ctx context.Context, fn func() error) error
}

type SupervisorConfig struct {
	Binary      string
	WarmupDelay time.Duration
	StopGrace   time.Duration
	WarnEvery   int
	// WaitDelay bounds how long output is drained after the process exits.
	WaitDelay time.Duration
}

type PortReleaser interface {
	Release(port int)
}

type SpawnRequest struct {
	SessionID domain.SessionID
	RoomID    domain.RoomID
	Args      []string
	Dir       string
	Relays    []*Relay
	Ports     PortReleaser
	// OnExit runs once after resources are released. err wraps
	// ErrProcessExitedUnexpectedly unless Stop was requested.
	OnExit func(h *ProcessHandle, err error)
}

// ProcessHandle is one supervised transcoder process and the resources it owns.
type ProcessHandle struct {
	SessionID domain.SessionID
	RoomID    domain.RoomID
	StartedAt time.Time

	cmd     *exec.Cmd
	relays  []*Relay
	ports   PortReleaser
	limiter *WarningLimiter
	onExit  func(*ProcessHandle, error)
	warmup  *time.Timer

	mu            sync.Mutex
	state         domain.SessionState
	stopRequested bool
	resumed       bool
	exitErr       error

	done        chan struct{}
	releaseOnce sync.Once
}

func (h *ProcessHandle) State() domain.SessionState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *ProcessHandle) Exited() bool {
	return h.State() == domain.SessionExited
}

// Resumed reports whether the warm-up completed and relays were resumed.
func (h *ProcessHandle) Resumed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resumed
}

// ExitErr is the error returned by Wait, valid once Done is closed.
func (h *ProcessHandle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

func (h *ProcessHandle) Done() <-chan struct{} {
	return h.done
}

func (h *ProcessHandle) Pid() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// release closes every relay, frees every port and drops warning counters.
func (h *ProcessHandle) release(logger *zap.SugaredLogger) {
	h.releaseOnce.Do(func() {
		for _, r := range h.relays {
			if err := r.Close(); err != nil {
				logger.Warnw("failed to close relay",
					"session_id", h.SessionID,
					"track_id", r.TrackID,
					"error", err,
				)
			}
			if h.ports != nil {
				h.ports.Release(r.Port)
			}
		}
		if counts := h.limiter.Counts(); len(counts) > 0 {
			logger.Infow("transcoder warning totals",
				"session_id", h.SessionID,
				"room_id", h.RoomID,
				"counts", counts,
			)
		}
		h.limiter.Reset()
	})
}

type ProcessSupervisor struct {
	config  SupervisorConfig
	command CommandFactory
	guard   SpawnGuard
	metrics ports.CompositionMetrics
	logger  *zap.SugaredLogger
}

func NewProcessSupervisor(
	config SupervisorConfig,
	command CommandFactory,
	guard SpawnGuard,
	metrics ports.CompositionMetrics,
	logger *zap.SugaredLogger,
) *ProcessSupervisor {
	if command == nil {
		command = exec.Command
	}
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	if config.WaitDelay <= 0 {
		config.WaitDelay = 2 * time.Second
	}
	return &ProcessSupervisor{
		config:  config,
		command: command,
		guard:   guard,
		metrics: metrics,
		logger:  logger,
	}
}

// Spawn starts the transcoder and takes ownership of the relays and their
// ports. If the process cannot be started they are released before the
// error is returned.
func (s *ProcessSupervisor) Spawn(ctx context.Context, req SpawnRequest) (*ProcessHandle, error) {
	h := &ProcessHandle{
		SessionID: req.SessionID,
		RoomID:    req.RoomID,
		relays:    req.Relays,
		ports:     req.Ports,
		limiter:   NewWarningLimiter(s.config.WarnEvery, DefaultNoiseClasses),
		onExit:    req.OnExit,
		state:     domain.SessionStarting,
		done:      make(chan struct{}),
	}

	cmd := s.command(s.config.Binary, req.Args...)
	cmd.Dir = req.Dir
	cmd.Stderr = &stderrLogger{supervisor: s, handle: h}
	cmd.WaitDelay = s.config.WaitDelay
	h.cmd = cmd

	start := func() error { return cmd.Start() }
	var err error
	if s.guard != nil {
		err = s.guard.Execute(ctx, start)
	} else {
		err = start()
	}
	if err != nil {
		h.mu.Lock()
		h.state = domain.SessionExited
		h.exitErr = err
		h.mu.Unlock()
		h.release(s.logger)
		close(h.done)
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrProcessSpawnFailure, s.config.Binary, err)
	}

	h.mu.Lock()
	h.state = domain.SessionRunning
	h.StartedAt = time.Now()
	h.mu.Unlock()

	s.logger.Infow("transcoder started",
		"room_id", h.RoomID,
		"session_id", h.SessionID,
		"pid", cmd.Process.Pid,
		"relays", len(h.relays),
		"dir", req.Dir,
	)

	h.warmup = time.AfterFunc(s.config.WarmupDelay, func() { s.resume(h) })
	go s.wait(h)

	return h, nil
}

// resume starts packet flow once the transcoder had time to open its inputs.
// Consumer calls run outside the handle lock; the exit path closes the
// consumers concurrently, so a relay is skipped once the process is gone.
func (s *ProcessSupervisor) resume(h *ProcessHandle) {
	h.mu.Lock()
	if h.state != domain.SessionRunning {
		state := h.state
		h.mu.Unlock()
		s.logger.Debugw("skipping relay resume, transcoder not running",
			"session_id", h.SessionID,
			"state", state,
		)
		return
	}
	relays := append([]*Relay(nil), h.relays...)
	h.mu.Unlock()

	ctx := context.Background()
	for _, r := range relays {
		if h.Exited() {
			return
		}
		if err := r.Consumer.Resume(ctx); err != nil {
			s.logger.Warnw("failed to resume consumer",
				"session_id", h.SessionID,
				"track_id", r.TrackID,
				"error", err,
			)
			continue
		}
		if r.Kind == domain.TrackKindVideo {
			if err := r.Consumer.RequestKeyframe(ctx); err != nil {
				s.logger.Warnw("failed to request keyframe",
					"session_id", h.SessionID,
					"track_id", r.TrackID,
					"error", err,
				)
			}
		}
	}

	h.mu.Lock()
	if h.state != domain.SessionRunning {
		h.mu.Unlock()
		return
	}
	h.resumed = true
	h.mu.Unlock()

	s.logger.Infow("relays resumed",
		"room_id", h.RoomID,
		"session_id", h.SessionID,
		"relays", len(relays),
	)
}

func (s *ProcessSupervisor) wait(h *ProcessHandle) {
	err := h.cmd.Wait()
	if h.warmup != nil {
		h.warmup.Stop()
	}

	h.mu.Lock()
	expected := h.stopRequested
	h.state = domain.SessionExited
	h.exitErr = err
	h.mu.Unlock()

	h.release(s.logger)

	var exitErr error
	if expected {
		s.metrics.SessionEnded(h.RoomID, "stopped")
		s.logger.Infow("transcoder stopped",
			"room_id", h.RoomID,
			"session_id", h.SessionID,
			"exit", exitDescription(err),
		)
	} else {
		exitErr = fmt.Errorf("%w: %s", domain.ErrProcessExitedUnexpectedly, exitDescription(err))
		s.metrics.SessionEnded(h.RoomID, "exited")
		s.logger.Errorw("transcoder exited unexpectedly",
			"room_id", h.RoomID,
			"session_id", h.SessionID,
			"exit", exitDescription(err),
			"uptime", time.Since(h.StartedAt),
		)
	}

	close(h.done)

	if h.onExit != nil {
		h.onExit(h, exitErr)
	}
}

// Stop interrupts the process, waits up to grace for it to exit and kills it
// otherwise. It returns once resources are released. Stopping an exited or
// nil handle is a no-op.
func (s *ProcessSupervisor) Stop(h *ProcessHandle, grace time.Duration) error {
	if h == nil {
		return nil
	}
	if grace <= 0 {
		grace = s.config.StopGrace
	}

	h.mu.Lock()
	switch h.state {
	case domain.SessionExited, domain.SessionStopping:
		// Exited is set before relays and ports are released; done closes after.
		h.mu.Unlock()
		<-h.done
		return nil
	}
	h.stopRequested = true
	h.state = domain.SessionStopping
	h.mu.Unlock()

	if h.warmup != nil {
		h.warmup.Stop()
	}

	if err := h.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Warnw("failed to interrupt transcoder",
			"session_id", h.SessionID,
			"error", err,
		)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-h.done:
		return nil
	case <-timer.C:
	}

	s.logger.Warnw("transcoder ignored interrupt, killing",
		"room_id", h.RoomID,
		"session_id", h.SessionID,
		"grace", grace,
	)
	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill transcoder: %w", err)
	}
	<-h.done
	return nil
}

func exitDescription(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}

// stderrLogger splits transcoder diagnostics into lines and logs them,
// rate-limiting the recoverable noise.
type stderrLogger struct {
	supervisor *ProcessSupervisor
	handle     *ProcessHandle

	mu  sync.Mutex
	buf []byte
}

func (w *stderrLogger) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexAny(w.buf, "\r\n")
		if i < 0 {
			break
		}
		line := string(bytes.TrimSpace(w.buf[:i]))
		w.buf = w.buf[i+1:]
		if line != "" {
			w.supervisor.logLine(w.handle, line)
		}
	}
	// ffmpeg lines are short; anything this long without a newline is flushed as is.
	if len(w.buf) > 4096 {
		w.supervisor.logLine(w.handle, string(w.buf))
		w.buf = w.buf[:0]
	}
	return len(p), nil
}

func (s *ProcessSupervisor) logLine(h *ProcessHandle, line string) {
	class := h.limiter.Classify(line)
	if class == "" {
		s.logger.Warnw("transcoder",
			"room_id", h.RoomID,
			"session_id", h.SessionID,
			"line", line,
		)
		return
	}

	count, emit := h.limiter.Observe(class)
	if !emit {
		s.metrics.WarningSuppressed(class)
		return
	}
	s.logger.Warnw("transcoder (rate limited)",
		"room_id", h.RoomID,
		"session_id", h.SessionID,
		"class", class,
		"occurrences", count,
		"line", line,
	)
}

// NoopMetrics discards all observations.
type NoopMetrics struct{}

func (NoopMetrics) SessionStarted(domain.RoomID, string, time.Duration) {}
func (NoopMetrics) SessionEnded(domain.RoomID, string)                  {}
func (NoopMetrics) StartFailed(domain.RoomID, string)                   {}
func (NoopMetrics) WarningSuppressed(string)                            {}
