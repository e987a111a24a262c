// Package core implements the instance lifecycle: command validation,
// launch resolution and the process supervisor that runs tenant programs
// under a pseudo-terminal with gated interactive input.
package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/codekingibk/nodehost/internal/logx"
	"github.com/codekingibk/nodehost/internal/persist"
	"github.com/codekingibk/nodehost/internal/rehydrate"
	"github.com/codekingibk/nodehost/internal/termstream"
	"github.com/codekingibk/nodehost/internal/vfs"
	"github.com/codekingibk/nodehost/schema"
)

// SupervisorDeps captures the collaborators of the process supervisor.
type SupervisorDeps struct {
	DB            *persist.Store
	Rehydrator    *rehydrate.Rehydrator
	Stream        *termstream.Channel
	Limits        schema.Limits
	SilenceUnlock time.Duration
	TerminalCols  uint16
	TerminalRows  uint16
	Logger        pslog.Logger
}

// Supervisor enforces the at-most-one-live-process invariant per instance
// and drives the STOPPED -> INSTALLING -> RUNNING -> {STOPPED, BROKEN}
// state machine.
type Supervisor struct {
	db      *persist.Store
	fs      *rehydrate.Rehydrator
	stream  *termstream.Channel
	limits  schema.Limits
	silence time.Duration
	cols    uint16
	rows    uint16
	logger  pslog.Logger

	mu    sync.Mutex
	procs map[schema.InstanceID]*procHandle
}

// procHandle tracks one live subprocess, install or main. The handle is
// registered before anything spawns so a concurrent second start observes
// it and no-ops.
type procHandle struct {
	mu            sync.Mutex
	proc          *os.Process
	ptmx          *os.File
	inputEnabled  bool
	stopRequested bool

	unlockOnce sync.Once
	silence    *time.Timer
}

// setProc publishes the live subprocess to the handle. A Stop that landed
// between spawn and publication found proc nil and killed nothing, so the
// stale stop flag is honored here and the fresh process is killed at once.
func (h *procHandle) setProc(proc *os.Process, ptmx *os.File) {
	h.mu.Lock()
	h.proc = proc
	h.ptmx = ptmx
	stopped := h.stopRequested
	h.mu.Unlock()
	if stopped && proc != nil {
		_ = proc.Kill()
	}
}

func (h *procHandle) wasStopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopRequested
}

// unlock flips the input gate open exactly once; timer and first-output
// race here, the loser's announcement is discarded.
func (h *procHandle) unlock(announce func()) {
	h.unlockOnce.Do(func() {
		h.mu.Lock()
		h.inputEnabled = true
		h.mu.Unlock()
		announce()
	})
}

var errStopRequested = errors.New("stop requested during start")

var inputControlPattern = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)

// NewSupervisor constructs the supervisor.
func NewSupervisor(deps SupervisorDeps) *Supervisor {
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	silence := deps.SilenceUnlock
	if silence <= 0 {
		silence = schema.DefaultSilenceUnlock
	}
	cols, rows := deps.TerminalCols, deps.TerminalRows
	if cols == 0 {
		cols = schema.DefaultTerminalCols
	}
	if rows == 0 {
		rows = schema.DefaultTerminalRows
	}
	return &Supervisor{
		db:      deps.DB,
		fs:      deps.Rehydrator,
		stream:  deps.Stream,
		limits:  deps.Limits.Normalize(),
		silence: silence,
		cols:    cols,
		rows:    rows,
		logger:  logger,
		procs:   make(map[schema.InstanceID]*procHandle),
	}
}

// Start runs the full launch sequence for an instance: expiry guard,
// materialize, validate, resolve, optional dependency install, spawn.
// A second Start while a handle is live is a no-op.
func (s *Supervisor) Start(ctx context.Context, id schema.InstanceID, rawCommand string) error {
	log := logx.WithInstance(ctx, id)
	inst, err := s.db.GetInstance(id)
	if err != nil {
		return err
	}
	if inst.Expired(time.Now()) {
		if err := s.db.SetLifecycle(id, schema.StatusStopped, nil); err != nil {
			log.Warn("supervisor expiry lifecycle update failed", "err", err)
		}
		s.stream.PublishOutput(id, "\r\n[NodeHost] Instance subscription expired. Please renew to start it.\r\n")
		s.stream.PublishGate(id, true, "Instance expired. Renew required.")
		log.Warn("supervisor start rejected", "err", schema.ErrInstanceExpired)
		return schema.ErrInstanceExpired
	}

	h := &procHandle{}
	s.mu.Lock()
	if _, live := s.procs[id]; live {
		s.mu.Unlock()
		log.Debug("supervisor start noop", "reason", "already running")
		return nil
	}
	s.procs[id] = h
	s.mu.Unlock()

	started, err := s.launch(log, inst, h, rawCommand)
	if !started {
		s.remove(id, h)
	}
	return err
}

func (s *Supervisor) launch(log pslog.Logger, inst schema.Instance, h *procHandle, rawCommand string) (bool, error) {
	id := inst.ID
	log.Info("supervisor start begin", "command", strings.TrimSpace(rawCommand))

	files, err := s.db.LoadFilesystem(id)
	if err != nil {
		s.stream.PublishError(id, err.Error())
		return false, fmt.Errorf("load filesystem: %w", err)
	}
	store := vfs.Load(files, s.limits)
	seeded := store.Empty()
	dir, err := s.fs.Materialize(id, store)
	if err != nil {
		s.stream.PublishError(id, err.Error())
		return false, err
	}
	if seeded {
		if err := s.db.SaveFilesystem(id, store.Files()); err != nil {
			log.Warn("supervisor seed persist failed", "err", err)
		}
	}

	intent, err := ParseStartCommand(rawCommand)
	if err != nil {
		s.stream.PublishOutput(id, "\r\n[NodeHost] "+err.Error()+"\r\n")
		return false, err
	}
	plan, err := ResolveLaunch(dir, intent)
	if err != nil {
		s.stream.PublishOutput(id, "\r\n[NodeHost] "+err.Error()+"\r\n")
		return false, err
	}

	s.setStatus(log, id, schema.StatusInstalling, nil)
	s.stream.PublishGate(id, true, "Preparing runtime...")
	s.stream.PublishOutput(id, fmt.Sprintf("\r\n[NodeHost] Requested Node.js: %s | Host runtime: %s\r\n",
		inst.NodeVersion, hostNodeMajor()))
	s.stream.PublishOutput(id, fmt.Sprintf("[NodeHost] Loaded %d environment variable(s).\r\n", len(inst.EnvVars)))

	if plan.RequiresInstall {
		s.stream.PublishOutput(id, "[NodeHost] Running npm install...\r\n")
		if err := s.runInstall(id, h, dir); err != nil {
			if errors.Is(err, errStopRequested) || h.wasStopped() {
				log.Info("supervisor install interrupted by stop")
				return false, nil
			}
			s.setStatus(log, id, schema.StatusBroken, nil)
			s.stream.PublishGate(id, true, "Install failed. Input disabled.")
			s.stream.PublishOutput(id, "\r\n[NodeHost] "+err.Error()+"\r\n")
			log.Warn("supervisor install failed", "err", err)
			return false, err
		}
		s.stream.PublishOutput(id, "[NodeHost] Install complete.\r\n")
	} else {
		s.stream.PublishOutput(id, "[NodeHost] Direct node mode selected. Skipping npm install.\r\n")
	}

	if h.wasStopped() {
		log.Info("supervisor start interrupted by stop")
		return false, nil
	}

	s.stream.PublishOutput(id, fmt.Sprintf("[NodeHost] Launching %s...\r\n", plan.Display))
	s.stream.PublishGate(id, true, "Starting bot process...")

	cmd := exec.Command(plan.Cmd, plan.Args...)
	cmd.Dir = dir
	cmd.Env = buildEnv(inst, plan)
	ptmx, err := startPTY(cmd, s.cols, s.rows)
	if err != nil {
		s.setStatus(log, id, schema.StatusBroken, nil)
		s.stream.PublishGate(id, true, "Start failed. Input locked.")
		s.stream.PublishError(id, err.Error())
		log.Error("supervisor spawn failed", "command", plan.Display, "err", err)
		return false, fmt.Errorf("spawn %s: %w", plan.Display, err)
	}
	h.setProc(cmd.Process, ptmx)
	if h.wasStopped() {
		log.Info("supervisor start interrupted by stop")
		go s.pump(log, id, h, cmd, ptmx)
		return true, nil
	}

	pid := cmd.Process.Pid
	s.setStatus(log, id, schema.StatusRunning, &pid)
	log.Info("supervisor process started", "pid", pid, "command", plan.Display)
	if err := s.db.AddAudit(id, inst.AccountID, "start", plan.Display); err != nil {
		log.Warn("supervisor audit write failed", "err", err)
	}

	h.silence = time.AfterFunc(s.silence, func() {
		if s.handleFor(id) != h {
			return
		}
		h.unlock(func() {
			s.stream.PublishGate(id, false, "Process started (silent mode). Input enabled.")
			s.stream.PublishOutput(id, "[NodeHost] Process is running. No output yet.\r\n")
		})
	})

	go s.pump(log, id, h, cmd, ptmx)
	return true, nil
}

// pump forwards PTY output to the broadcast channel and reconciles the
// lifecycle when the process exits.
func (s *Supervisor) pump(log pslog.Logger, id schema.InstanceID, h *procHandle, cmd *exec.Cmd, ptmx *os.File) {
	buf := make([]byte, 4096)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			h.unlock(func() {
				s.stream.PublishGate(id, false, "Bot is running. Input enabled.")
			})
			s.stream.PublishOutput(id, string(buf[:n]))
		}
		if err != nil {
			break
		}
	}
	_ = cmd.Wait()
	exitCode := cmd.ProcessState.ExitCode()
	if h.silence != nil {
		h.silence.Stop()
	}
	ptmx.Close()
	s.remove(id, h)

	status := schema.StatusBroken
	if exitCode == 0 || h.wasStopped() {
		status = schema.StatusStopped
	}
	s.setStatus(log, id, status, nil)
	s.stream.PublishGate(id, true, "Process exited. Input locked.")
	s.stream.PublishOutput(id, fmt.Sprintf("\r\nProcess exited with code %d\r\n", exitCode))
	log.Info("supervisor process exited", "exit_code", exitCode, "status", status)
}

func (s *Supervisor) runInstall(id schema.InstanceID, h *procHandle, dir string) error {
	if h.wasStopped() {
		return errStopRequested
	}
	cmd := exec.Command(npmCommand(), "install", "--no-progress", "--no-audit", "--no-fund")
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "NPM_CONFIG_PROGRESS=false")
	ptmx, err := startPTY(cmd, s.cols, s.rows)
	if err != nil {
		return fmt.Errorf("spawn npm install: %w", err)
	}
	h.setProc(cmd.Process, ptmx)

	buf := make([]byte, 4096)
	for {
		n, readErr := ptmx.Read(buf)
		if n > 0 {
			s.stream.PublishOutput(id, string(buf[:n]))
		}
		if readErr != nil {
			break
		}
	}
	_ = cmd.Wait()
	ptmx.Close()
	h.setProc(nil, nil)
	if h.wasStopped() {
		return errStopRequested
	}
	if code := cmd.ProcessState.ExitCode(); code != 0 {
		return fmt.Errorf("npm install failed with exit code %d", code)
	}
	return nil
}

// Stop terminates the instance's live subprocess, install or main, and
// records the stop. Stopping a stopped instance is a no-op.
func (s *Supervisor) Stop(ctx context.Context, id schema.InstanceID) error {
	log := logx.WithInstance(ctx, id)
	s.mu.Lock()
	h := s.procs[id]
	s.mu.Unlock()
	if h == nil {
		return nil
	}
	h.mu.Lock()
	h.stopRequested = true
	proc := h.proc
	h.mu.Unlock()

	if proc != nil {
		if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			log.Warn("supervisor kill failed", "pid", proc.Pid, "err", err)
		}
	}
	if err := s.db.SetLifecycle(id, schema.StatusStopped, nil); err != nil {
		return err
	}
	if inst, err := s.db.GetInstance(id); err == nil {
		if err := s.db.AddAudit(id, inst.AccountID, "stop", ""); err != nil {
			log.Warn("supervisor audit write failed", "err", err)
		}
	}
	log.Info("supervisor stop requested")
	return nil
}

// StopAll terminates every live process; used on host shutdown and by the
// maintenance sweep.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	ids := make([]schema.InstanceID, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		if err := s.Stop(ctx, id); err != nil {
			logx.WithInstance(ctx, id).Warn("supervisor stop failed", "err", err)
		}
	}
}

// Install runs the dependency-install step on its own, outside a start.
// The instance ends STOPPED on success and BROKEN on failure.
func (s *Supervisor) Install(ctx context.Context, id schema.InstanceID) error {
	log := logx.WithInstance(ctx, id)
	inst, err := s.db.GetInstance(id)
	if err != nil {
		return err
	}

	h := &procHandle{}
	s.mu.Lock()
	if _, live := s.procs[id]; live {
		s.mu.Unlock()
		log.Debug("supervisor install noop", "reason", "already running")
		return nil
	}
	s.procs[id] = h
	s.mu.Unlock()
	defer s.remove(id, h)

	files, err := s.db.LoadFilesystem(id)
	if err != nil {
		return fmt.Errorf("load filesystem: %w", err)
	}
	store := vfs.Load(files, s.limits)
	dir, err := s.fs.Materialize(id, store)
	if err != nil {
		return err
	}

	s.setStatus(log, id, schema.StatusInstalling, nil)
	s.stream.PublishOutput(id, "\r\n[NodeHost] Starting dependency installation...\r\n")
	if err := s.runInstall(id, h, dir); err != nil {
		if errors.Is(err, errStopRequested) {
			return nil
		}
		s.setStatus(log, id, schema.StatusBroken, nil)
		s.stream.PublishOutput(id, "\r\n[NodeHost] Installation failed.\r\n")
		log.Warn("supervisor install failed", "err", err)
		return err
	}
	s.stream.PublishOutput(id, "\r\n[NodeHost] Installation complete!\r\n")
	s.setStatus(log, id, schema.StatusStopped, nil)
	if err := s.db.AddAudit(id, inst.AccountID, "install", ""); err != nil {
		log.Warn("supervisor audit write failed", "err", err)
	}
	return nil
}

// WriteInput forwards keystrokes to the live process if the gate is open.
// Cursor-movement escape sequences are stripped before forwarding.
func (s *Supervisor) WriteInput(id schema.InstanceID, text string) schema.InputResult {
	s.mu.Lock()
	h := s.procs[id]
	s.mu.Unlock()
	if h == nil {
		return schema.InputResult{Reason: schema.InputNotRunning}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ptmx == nil {
		return schema.InputResult{Reason: schema.InputNotRunning}
	}
	if !h.inputEnabled {
		return schema.InputResult{Reason: schema.InputStartupPending}
	}
	if text == "" || len(text) > s.limits.MaxInputLen {
		return schema.InputResult{Reason: schema.InputInvalid}
	}
	sanitized := inputControlPattern.ReplaceAllString(text, "")
	if _, err := h.ptmx.WriteString(sanitized); err != nil {
		return schema.InputResult{Reason: schema.InputNotRunning}
	}
	return schema.InputResult{OK: true}
}

// Resize forwards a terminal size change to the live PTY. Ignored when the
// instance is not running.
func (s *Supervisor) Resize(id schema.InstanceID, cols, rows uint16) {
	s.mu.Lock()
	h := s.procs[id]
	s.mu.Unlock()
	if h == nil {
		return
	}
	h.mu.Lock()
	ptmx := h.ptmx
	h.mu.Unlock()
	if ptmx != nil {
		_ = resizePTY(ptmx, cols, rows)
	}
}

// Running reports whether a live handle exists for the instance.
func (s *Supervisor) Running(id schema.InstanceID) bool {
	return s.handleFor(id) != nil
}

// InputEnabled reports whether the interactive input gate is open.
func (s *Supervisor) InputEnabled(id schema.InstanceID) bool {
	h := s.handleFor(id)
	if h == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inputEnabled
}

// Gate returns the current input-gate state for a freshly joined observer.
func (s *Supervisor) Gate(id schema.InstanceID) schema.GateEvent {
	if s.Running(id) && s.InputEnabled(id) {
		return schema.GateEvent{Locked: false, Message: "Interactive input enabled"}
	}
	return schema.GateEvent{Locked: true, Message: "Input locked (startup)"}
}

func (s *Supervisor) handleFor(id schema.InstanceID) *procHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[id]
}

// remove deletes the registry entry only if it still belongs to h, so a
// stale exit path cannot evict a newer handle.
func (s *Supervisor) remove(id schema.InstanceID, h *procHandle) {
	s.mu.Lock()
	if s.procs[id] == h {
		delete(s.procs, id)
	}
	s.mu.Unlock()
}

func (s *Supervisor) setStatus(log pslog.Logger, id schema.InstanceID, status schema.InstanceStatus, pid *int) {
	if err := s.db.SetLifecycle(id, status, pid); err != nil {
		log.Warn("supervisor lifecycle update failed", "status", status, "err", err)
	}
	s.stream.PublishStatus(id, status)
}

// buildEnv merges the instance env vars over the host environment and adds
// the advisory runtime markers. PORT is advisory only; nothing routes
// traffic to it.
func buildEnv(inst schema.Instance, plan LaunchPlan) []string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}
	for _, v := range inst.EnvVars {
		env[v.Key] = v.Value
	}
	env["NODE_VERSION_SELECTED"] = inst.NodeVersion
	env["PORT"] = "3000"
	if plan.Mode == ModeNode {
		env["TERM"] = "dumb"
	} else if env["TERM"] == "" {
		env["TERM"] = "xterm-color"
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

var (
	hostNodeOnce         sync.Once
	hostNodeMajorVersion string
)

// hostNodeMajor reports the major version of the node binary on PATH. The
// instance's selected version is advisory; the host runtime is what runs.
func hostNodeMajor() string {
	hostNodeOnce.Do(func() {
		hostNodeMajorVersion = "unknown"
		out, err := exec.Command("node", "--version").Output()
		if err != nil {
			return
		}
		version := strings.TrimPrefix(strings.TrimSpace(string(out)), "v")
		if major, _, found := strings.Cut(version, "."); found && major != "" {
			hostNodeMajorVersion = major
		}
	})
	return hostNodeMajorVersion
}
