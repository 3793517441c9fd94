package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/seantiz/kiln/internal/config"
)

// State is the lifecycle state of the engine process.
type State string

const (
	StateNotStarted State = "not_started"
	StateStarting   State = "starting"
	StateReady      State = "ready"
	StateCrashed    State = "crashed"
)

const (
	gracefulStopTimeout = 10 * time.Second
	killWaitTimeout     = 5 * time.Second
	loopbackHost        = "127.0.0.1"
	nvidiaControlDevice = "/dev/nvidiactl"
)

var errStoppedDuringStartup = errors.New("engine stopped during startup")

// Prober reports whether the engine answers its liveness endpoint within
// timeout. *Client satisfies it.
type Prober interface {
	WaitReady(ctx context.Context, timeout time.Duration) bool
}

// SupervisorConfig configures a Supervisor.
type SupervisorConfig struct {
	config.EngineConfig

	// Output receives engine stdout/stderr as JSON log lines when Silent is
	// false. Defaults to os.Stderr.
	Output io.Writer

	// HasGPU reports whether an accelerator is present. Defaults to checking
	// for the NVIDIA control device or NVIDIA_VISIBLE_DEVICES.
	HasGPU func() bool
}

// Status is a point-in-time view of the supervisor.
type Status struct {
	State        State `json:"state"`
	PID          int   `json:"pid,omitempty"`
	Launches     int   `json:"launches"`
	LastExitCode *int  `json:"last_exit_code,omitempty"`
}

// Supervisor owns the single engine process of this worker. EnsureReady is
// safe for concurrent use: callers queue on one launch instead of starting
// duplicate processes on the same port.
type Supervisor struct {
	cfg    SupervisorConfig
	prober Prober
	logger *slog.Logger

	// startGroup lets concurrent callers share one launch.
	startGroup singleflight.Group

	mu       sync.Mutex
	state    State
	proc     *process
	launches int
	lastExit *int
	stopping bool
}

// process tracks one launched engine. exitCode is valid once done is closed.
type process struct {
	cmd      *exec.Cmd
	done     chan struct{}
	exitCode int
}

func (p *process) alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// NewSupervisor creates a supervisor in the not_started state.
func NewSupervisor(cfg SupervisorConfig, prober Prober, logger *slog.Logger) *Supervisor {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	if cfg.HasGPU == nil {
		cfg.HasGPU = detectGPU
	}
	return &Supervisor{
		cfg:    cfg,
		prober: prober,
		logger: logger,
		state:  StateNotStarted,
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot of the supervisor.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{State: s.state, Launches: s.launches}
	if s.proc != nil && s.proc.alive() {
		st.PID = s.proc.cmd.Process.Pid
	}
	if s.lastExit != nil {
		code := *s.lastExit
		st.LastExitCode = &code
	}
	return st
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	if st == StateReady {
		engineUp.Set(1)
	} else {
		engineUp.Set(0)
	}
}

// EnsureReady returns immediately when the engine is ready and its process
// is alive. Otherwise it joins the launch in flight, starting one if none is
// running. The launch is owned by the supervisor: a caller whose ctx ends
// gets ctx.Err() and the engine keeps starting for everyone else. A launch
// that fails leaves the state crashed with no engine process running and
// returns a *StartError.
func (s *Supervisor) EnsureReady(ctx context.Context) error {
	if s.ready() {
		return nil
	}

	launchCtx := context.WithoutCancel(ctx)
	ch := s.startGroup.DoChan("start", func() (any, error) {
		return nil, s.start(launchCtx)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateReady && s.proc != nil && s.proc.alive()
}

// start launches the engine and probes it until it answers, the process
// exits or the startup timeout elapses.
func (s *Supervisor) start(ctx context.Context) error {
	s.mu.Lock()
	current, state := s.proc, s.state
	s.mu.Unlock()

	if current != nil && current.alive() {
		if state == StateReady {
			return nil
		}
		s.kill(current)
	} else if state == StateReady {
		s.logger.Warn("engine process exited, relaunching")
	}

	s.setState(StateStarting)
	start := time.Now()
	p, err := s.launch()
	if err != nil {
		s.setState(StateCrashed)
		return &StartError{Timeout: s.cfg.StartupTimeout, Err: err}
	}

	probeCtx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-p.done:
			cancel()
		case <-probeCtx.Done():
		}
	}()
	ready := s.prober.WaitReady(probeCtx, s.cfg.StartupTimeout)
	cancel()

	if ready && p.alive() {
		s.setState(StateReady)
		elapsed := time.Since(start)
		engineReadyDuration.Observe(elapsed.Seconds())
		s.logger.Info("engine ready", "pid", p.cmd.Process.Pid, "elapsed", elapsed.Round(time.Millisecond))
		return nil
	}

	startErr := &StartError{Timeout: s.cfg.StartupTimeout}
	if p.alive() {
		s.kill(p)
	} else {
		code := p.exitCode
		startErr.ExitCode = &code
	}

	s.mu.Lock()
	stopped := s.stopping && s.proc == p
	s.mu.Unlock()
	if stopped {
		startErr.Err = errStoppedDuringStartup
		s.setState(StateNotStarted)
		return startErr
	}

	s.setState(StateCrashed)
	s.logger.Error("engine failed to start", "error", startErr)
	return startErr
}

// launch starts the engine process and a goroutine that owns cmd.Wait.
func (s *Supervisor) launch() (*process, error) {
	for _, dir := range []string{s.cfg.ModelDir, s.cfg.OutputDir, s.cfg.TempDir, s.cfg.InputDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create engine directory: %w", err)
		}
	}

	cmd, cpu := s.command()
	var sinks []io.Closer
	if !s.cfg.Silent {
		l := logrus.New()
		l.SetFormatter(&logrus.JSONFormatter{})
		l.SetOutput(s.cfg.Output)
		entry := l.WithField("component", "engine")
		stdout := entry.WriterLevel(logrus.InfoLevel)
		stderr := entry.WriterLevel(logrus.WarnLevel)
		cmd.Stdout, cmd.Stderr = stdout, stderr
		sinks = append(sinks, stdout, stderr)
	}
	configureProcess(cmd)

	if err := cmd.Start(); err != nil {
		for _, c := range sinks {
			c.Close()
		}
		return nil, fmt.Errorf("start engine: %w", err)
	}
	engineLaunches.Inc()

	p := &process{cmd: cmd, done: make(chan struct{})}
	s.mu.Lock()
	s.proc = p
	s.launches++
	s.stopping = false
	s.mu.Unlock()

	s.logger.Info("engine launched",
		"pid", cmd.Process.Pid,
		"port", s.cfg.Port,
		"cpu", cpu,
	)

	go func() {
		_ = cmd.Wait()
		p.exitCode = cmd.ProcessState.ExitCode()
		for _, c := range sinks {
			c.Close()
		}
		s.recordExit(p)
		close(p.done)
	}()

	return p, nil
}

func (s *Supervisor) recordExit(p *process) {
	s.mu.Lock()
	defer s.mu.Unlock()

	code := p.exitCode
	s.lastExit = &code
	if s.proc != p {
		return
	}
	if s.stopping {
		s.state = StateNotStarted
		engineUp.Set(0)
		return
	}
	if s.state == StateReady {
		s.state = StateCrashed
		engineUp.Set(0)
		s.logger.Warn("engine process exited", "exit_code", code)
	}
}

// command builds the engine command line. The bool reports CPU-only mode.
func (s *Supervisor) command() (*exec.Cmd, bool) {
	var args []string
	if s.cfg.Entry != "" {
		args = append(args, s.cfg.Entry)
	}
	args = append(args,
		"--disable-auto-launch",
		"--listen", loopbackHost,
		"--port", strconv.Itoa(s.cfg.Port),
		"--output-directory", s.cfg.OutputDir,
		"--temp-directory", s.cfg.TempDir,
		"--input-directory", s.cfg.InputDir,
		"--dont-print-server",
	)

	env := append(os.Environ(), "COMFYUI_MODEL_DIR="+s.cfg.ModelDir)
	cpu := s.useCPU()
	if cpu {
		args = append(args, "--cpu")
		env = append(env, "CUDA_VISIBLE_DEVICES=")
	}

	cmd := exec.Command(s.cfg.Python, args...)
	cmd.Dir = s.cfg.Workspace
	cmd.Env = env
	return cmd, cpu
}

func (s *Supervisor) useCPU() bool {
	switch s.cfg.DeviceMode {
	case config.DeviceCPU:
		return true
	case config.DeviceGPU:
		return false
	default:
		return s.cfg.ForceCPU || !s.cfg.HasGPU()
	}
}

func detectGPU() bool {
	if _, err := os.Stat(nvidiaControlDevice); err == nil {
		return true
	}
	return os.Getenv("NVIDIA_VISIBLE_DEVICES") != ""
}

// kill force-stops p's process group and waits briefly for it to exit.
func (s *Supervisor) kill(p *process) {
	killProcess(p.cmd)
	select {
	case <-p.done:
	case <-time.After(killWaitTimeout):
		s.logger.Warn("engine did not exit after kill", "pid", p.cmd.Process.Pid)
	}
}

// Stop terminates the engine process group: SIGTERM first, then SIGKILL if it
// has not exited within the grace period or ctx ends.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	p := s.proc
	if p == nil || !p.alive() {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	s.mu.Unlock()

	terminateProcess(p.cmd)
	timer := time.NewTimer(gracefulStopTimeout)
	defer timer.Stop()

	select {
	case <-p.done:
	case <-timer.C:
		s.logger.Debug("engine ignored SIGTERM, killing")
		s.kill(p)
	case <-ctx.Done():
		s.kill(p)
	}

	s.setState(StateNotStarted)
	if p.alive() {
		return fmt.Errorf("engine pid %d still running after kill", p.cmd.Process.Pid)
	}
	return nil
}
