package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"sync/atomic"
	"time"
)

// Timing defaults for the process lifecycle. Per-server values come
// from ProcessConfig; these apply when a field is zero.
const (
	// defaultSettleDelay is how long a server without a readiness
	// pattern gets to come up before the handshake is attempted.
	defaultSettleDelay = 500 * time.Millisecond

	// skipHandshakeDelay is the fixed pause before a skip-initialize
	// server is considered usable.
	skipHandshakeDelay = 250 * time.Millisecond

	// readinessCeiling bounds the readiness wait so a pattern that
	// never matches cannot hang Start forever.
	readinessCeiling = 10 * time.Second

	// defaultInitTimeout bounds the initialize request.
	defaultInitTimeout = 30 * time.Second

	// handshakeRetryPause is the pause before the single handshake
	// retry granted to servers whose readiness line fires slightly
	// before their request loop is listening.
	handshakeRetryPause = 250 * time.Millisecond

	// defaultRestartBackoff and maxRestartBackoff bound the delay
	// before an auto-restart attempt.
	defaultRestartBackoff = time.Second
	maxRestartBackoff     = 30 * time.Second

	// stopGracePeriod is how long Stop waits for a voluntary exit
	// after closing stdin before killing the process.
	stopGracePeriod = 5 * time.Second
)

// ProcessConfig configures a subprocess MCP transport.
type ProcessConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Dir is the working directory for the subprocess. Empty means
	// inherit ours.
	Dir string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"). These are appended to the current
	// process environment.
	Env []string

	// AutoRestart respawns the subprocess after an unexpected exit.
	AutoRestart bool

	// RestartBackoff is the delay before a restart attempt,
	// capped at maxRestartBackoff.
	RestartBackoff time.Duration

	// InitTimeout bounds the initialize handshake request.
	InitTimeout time.Duration

	// SkipInitialize marks servers that implement no handshake at
	// all. The transport is usable after a short fixed delay.
	SkipInitialize bool

	// ReadyPattern is a regular expression matched against the
	// subprocess's stderr lines. A match signals the server is ready
	// for the handshake.
	ReadyPattern string

	// SettleDelay is how long to wait for readiness before sending
	// the handshake anyway. Zero means the default (or, with a
	// ReadyPattern configured, wait up to the readiness ceiling).
	SettleDelay time.Duration

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// callResult delivers the outcome of one request to its waiting caller.
type callResult struct {
	resp *Response
	err  error
}

// pendingRequest is one in-flight request. Each is resolved exactly
// once: by a matching response, by the caller's deadline, or by a
// forced failure when the process dies or the transport stops.
type pendingRequest struct {
	method string
	ch     chan callResult
}

// ProcessTransport owns exactly one tool-server subprocess and
// provides a request/response call surface over its stdin/stdout.
// Messages are Content-Length framed JSON-RPC; the subprocess's stderr
// is drained to the log and scanned for the readiness pattern.
type ProcessTransport struct {
	cfg     ProcessConfig
	logger  *slog.Logger
	readyRe *regexp.Regexp

	nextID atomic.Int64

	// startMu serializes Start, Stop, and scheduled restarts.
	startMu sync.Mutex

	mu            sync.Mutex
	cmd           *exec.Cmd
	stdin         io.WriteCloser
	running       bool
	stopped       bool
	generation    int
	pending       map[int64]*pendingRequest
	restartTimer  *time.Timer
	readyCh       chan struct{}
	readyObserved bool
	exited        chan struct{}
	handshake     *InitializeResult

	// writeMu keeps concurrent requests from interleaving frames on
	// the child's stdin. Requests reach the child in send order.
	writeMu sync.Mutex
}

// NewProcessTransport creates a subprocess transport for the given
// config. The subprocess is not started until Start is called.
func NewProcessTransport(cfg ProcessConfig) (*ProcessTransport, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var readyRe *regexp.Regexp
	if cfg.ReadyPattern != "" {
		re, err := regexp.Compile(cfg.ReadyPattern)
		if err != nil {
			return nil, fmt.Errorf("compile ready pattern %q: %w", cfg.ReadyPattern, err)
		}
		readyRe = re
	}

	return &ProcessTransport{
		cfg:     cfg,
		logger:  logger,
		readyRe: readyRe,
		pending: make(map[int64]*pendingRequest),
	}, nil
}

// Start spawns the subprocess, waits for readiness, and performs the
// initialize handshake. It returns once the server is usable, or an
// error on spawn failure or handshake failure. Calling Start on a
// running transport is a no-op; calling it after Stop starts a fresh
// subprocess.
func (t *ProcessTransport) Start(ctx context.Context) error {
	t.startMu.Lock()
	defer t.startMu.Unlock()

	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return nil
	}
	t.stopped = false
	t.mu.Unlock()

	if err := t.spawn(); err != nil {
		return err
	}

	if t.cfg.SkipInitialize {
		if !sleepCtx(ctx, skipHandshakeDelay) {
			t.terminate()
			return ctx.Err()
		}
		t.logger.Info("server usable without handshake",
			"command", t.cfg.Command,
		)
		return nil
	}

	t.waitReady(ctx)

	if err := t.handshakeWithRetry(ctx); err != nil {
		t.terminate()
		return err
	}
	return nil
}

// spawn launches the subprocess and wires its pipes.
func (t *ProcessTransport) spawn() error {
	cmd := exec.Command(t.cfg.Command, t.cfg.Args...)
	cmd.Dir = t.cfg.Dir
	cmd.Env = append(os.Environ(), t.cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}

	// Stderr carries diagnostics and the readiness marker — never
	// protocol frames.
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stderr.Close()
		stdout.Close()
		stdin.Close()
		return fmt.Errorf("start subprocess %s: %w", t.cfg.Command, err)
	}

	t.mu.Lock()
	t.cmd = cmd
	t.stdin = stdin
	t.running = true
	t.generation++
	t.readyObserved = false
	t.readyCh = make(chan struct{})
	t.exited = make(chan struct{})
	gen := t.generation
	readyCh := t.readyCh
	exited := t.exited
	t.mu.Unlock()

	go t.readLoop(stdout)
	go t.watchStderr(stderr, gen, readyCh)
	go t.watchExit(cmd, gen, exited)

	t.logger.Info("tool server subprocess started",
		"command", t.cfg.Command,
		"pid", cmd.Process.Pid,
	)
	return nil
}

// waitReady blocks until the readiness marker is seen on stderr or the
// settle delay elapses, whichever comes first. With a pattern
// configured and no settle delay, the wait is bounded by the readiness
// ceiling instead.
func (t *ProcessTransport) waitReady(ctx context.Context) {
	settle := t.cfg.SettleDelay
	if t.readyRe == nil {
		if settle <= 0 {
			settle = defaultSettleDelay
		}
		sleepCtx(ctx, settle)
		return
	}

	bound := settle
	if bound <= 0 || bound > readinessCeiling {
		bound = readinessCeiling
	}

	t.mu.Lock()
	readyCh := t.readyCh
	t.mu.Unlock()

	timer := time.NewTimer(bound)
	defer timer.Stop()

	select {
	case <-readyCh:
	case <-timer.C:
		t.logger.Debug("readiness wait elapsed without marker",
			"waited", bound.String(),
		)
	case <-ctx.Done():
	}
}

// handshakeWithRetry sends the initialize request. If it fails and the
// readiness marker had in fact been observed, one retry is granted
// after a short pause: some servers log readiness a beat before their
// request loop is actually listening. Without an observed marker the
// single attempt is final.
func (t *ProcessTransport) handshakeWithRetry(ctx context.Context) error {
	err := t.handshake1(ctx)
	if err == nil {
		return nil
	}

	t.mu.Lock()
	ready := t.readyObserved
	t.mu.Unlock()

	if !ready {
		return err
	}

	t.logger.Warn("handshake failed after readiness marker, retrying once",
		"error", err,
	)
	if !sleepCtx(ctx, handshakeRetryPause) {
		return ctx.Err()
	}
	return t.handshake1(ctx)
}

// handshake1 performs one initialize exchange and records the result.
func (t *ProcessTransport) handshake1(ctx context.Context) error {
	timeout := t.cfg.InitTimeout
	if timeout <= 0 {
		timeout = defaultInitTimeout
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := t.Call(hctx, "initialize", newInitializeParams())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrRequestTimeout) {
			return fmt.Errorf("%w after %s", ErrHandshakeTimeout, timeout)
		}
		return fmt.Errorf("initialize: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("initialize rejected: %w", resp.Error)
	}

	var result InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("unmarshal initialize result: %w", err)
	}

	t.mu.Lock()
	t.handshake = &result
	t.mu.Unlock()

	t.logger.Info("tool server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)

	// Complete the handshake. Failure here is logged, not fatal: the
	// request side of the protocol is already working.
	if err := t.Notify(ctx, "notifications/initialized", nil); err != nil {
		t.logger.Warn("send initialized notification", "error", err)
	}
	return nil
}

// HandshakeResult returns the initialize result captured during Start,
// or nil for skip-initialize servers.
func (t *ProcessTransport) HandshakeResult() *InitializeResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handshake
}

// Call sends a JSON-RPC request and waits for the matching response.
// Ids are allocated from a per-transport monotonic counter, so an id
// is never reused while a prior request with that id is unresolved.
// The caller's context carries the per-request deadline; on expiry the
// request is removed from the pending table and ErrRequestTimeout is
// returned.
func (t *ProcessTransport) Call(ctx context.Context, method string, params any) (*Response, error) {
	t.mu.Lock()
	if !t.running {
		err := ErrNotConnected
		if t.stopped {
			err = ErrTransportStopped
		}
		t.mu.Unlock()
		return nil, err
	}
	id := t.nextID.Add(1)
	pr := &pendingRequest{method: method, ch: make(chan callResult, 1)}
	t.pending[id] = pr
	stdin := t.stdin
	t.mu.Unlock()

	frame, err := encodeFrame(NewRequest(id, method, params))
	if err != nil {
		t.removePending(id)
		return nil, err
	}

	t.logger.Log(ctx, LevelTrace, "sending frame", "frame", string(frame))

	t.writeMu.Lock()
	_, err = stdin.Write(frame)
	t.writeMu.Unlock()
	if err != nil {
		t.removePending(id)
		return nil, fmt.Errorf("write to subprocess stdin: %w", err)
	}

	select {
	case res := <-pr.ch:
		return res.resp, res.err
	case <-ctx.Done():
		t.removePending(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrRequestTimeout, method)
		}
		return nil, ctx.Err()
	}
}

// Notify sends a JSON-RPC notification. No response is expected.
func (t *ProcessTransport) Notify(_ context.Context, method string, params any) error {
	t.mu.Lock()
	if !t.running {
		err := ErrNotConnected
		if t.stopped {
			err = ErrTransportStopped
		}
		t.mu.Unlock()
		return err
	}
	stdin := t.stdin
	t.mu.Unlock()

	frame, err := encodeFrame(NewNotification(method, params))
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	_, err = stdin.Write(frame)
	t.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("write notification to subprocess stdin: %w", err)
	}
	return nil
}

// removePending deletes a pending entry if it is still registered.
func (t *ProcessTransport) removePending(id int64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// readLoop feeds subprocess stdout through the frame decoder and
// dispatches every complete frame. It exits when the pipe closes.
func (t *ProcessTransport) readLoop(stdout io.Reader) {
	dec := NewDecoder(t.logger)
	buf := make([]byte, 32*1024)

	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			for _, frame := range dec.Feed(buf[:n]) {
				t.dispatch(frame)
			}
		}
		if err != nil {
			return
		}
	}
}

// dispatch routes one decoded frame. Frames carrying a known request
// id resolve that caller; everything else is server-initiated and is
// logged, not dropped silently.
func (t *ProcessTransport) dispatch(frame json.RawMessage) {
	t.logger.Log(context.Background(), LevelTrace, "received frame", "frame", string(frame))

	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		t.logger.Warn("unintelligible frame from tool server", "error", err)
		return
	}

	if !msg.IsResponse() {
		t.logger.Debug("server-initiated message",
			"method", msg.Method,
		)
		return
	}

	t.mu.Lock()
	pr, ok := t.pending[*msg.ID]
	if ok {
		delete(t.pending, *msg.ID)
	}
	t.mu.Unlock()

	if !ok {
		// Usually a response that outlived its caller's deadline.
		t.logger.Debug("unsolicited response", "id", *msg.ID)
		return
	}
	pr.ch <- callResult{resp: msg.AsResponse()}
}

// watchStderr logs subprocess stderr lines and watches for the
// readiness marker.
func (t *ProcessTransport) watchStderr(r io.Reader, gen int, readyCh chan struct{}) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)

	for scanner.Scan() {
		line := scanner.Text()
		t.logger.Debug("tool server stderr", "line", line)

		if t.readyRe == nil || !t.readyRe.MatchString(line) {
			continue
		}

		t.mu.Lock()
		if t.generation == gen && !t.readyObserved {
			t.readyObserved = true
			close(readyCh)
			t.logger.Debug("readiness marker observed", "line", line)
		}
		t.mu.Unlock()
	}
}

// watchExit reaps the subprocess and handles unexpected termination.
func (t *ProcessTransport) watchExit(cmd *exec.Cmd, gen int, exited chan struct{}) {
	err := cmd.Wait()
	t.handleExit(gen, err)
	close(exited)
}

// handleExit fails all pending requests and, when auto-restart is
// configured and the exit was not a deliberate Stop, schedules exactly
// one restart attempt. Concurrent exit signals for the same
// generation are idempotent.
func (t *ProcessTransport) handleExit(gen int, exitErr error) {
	t.mu.Lock()
	if t.generation != gen || !t.running {
		// Stale watcher, or Stop already processed this exit.
		t.mu.Unlock()
		return
	}
	t.running = false
	t.handshake = nil
	t.failAllPendingLocked(ErrProcessExited)

	restart := t.cfg.AutoRestart && !t.stopped && t.restartTimer == nil
	if restart {
		backoff := t.cfg.RestartBackoff
		if backoff <= 0 {
			backoff = defaultRestartBackoff
		}
		if backoff > maxRestartBackoff {
			backoff = maxRestartBackoff
		}
		t.restartTimer = time.AfterFunc(backoff, t.restart)
		t.mu.Unlock()

		t.logger.Warn("tool server exited, restart scheduled",
			"command", t.cfg.Command,
			"backoff", backoff.String(),
			"exit_error", exitErr,
		)
		return
	}
	t.mu.Unlock()

	t.logger.Warn("tool server exited",
		"command", t.cfg.Command,
		"exit_error", exitErr,
	)
}

// restart is the timer callback that re-runs Start after a crash.
func (t *ProcessTransport) restart() {
	t.mu.Lock()
	t.restartTimer = nil
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	if err := t.Start(context.Background()); err != nil {
		t.logger.Error("tool server restart failed",
			"command", t.cfg.Command,
			"error", err,
		)
	}
}

// Stop terminates the subprocess and fails every in-flight request, so
// no caller is left waiting. A pending restart is cancelled. Safe to
// call on a transport that never started.
func (t *ProcessTransport) Stop() error {
	t.startMu.Lock()
	defer t.startMu.Unlock()

	t.mu.Lock()
	t.stopped = true
	if t.restartTimer != nil {
		t.restartTimer.Stop()
		t.restartTimer = nil
	}
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	t.handshake = nil
	cmd := t.cmd
	stdin := t.stdin
	exited := t.exited
	t.failAllPendingLocked(ErrTransportStopped)
	t.mu.Unlock()

	t.logger.Info("stopping tool server subprocess", "pid", cmd.Process.Pid)

	// Close stdin to ask for a voluntary exit, then escalate.
	if stdin != nil {
		stdin.Close()
	}

	select {
	case <-exited:
	case <-time.After(stopGracePeriod):
		t.logger.Warn("tool server did not exit gracefully, killing",
			"pid", cmd.Process.Pid,
		)
		_ = cmd.Process.Kill()
		<-exited
	}
	return nil
}

// Close implements Transport.
func (t *ProcessTransport) Close() error {
	return t.Stop()
}

// terminate tears down a half-started subprocess after a Start
// failure, without marking the transport deliberately stopped.
func (t *ProcessTransport) terminate() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	cmd := t.cmd
	stdin := t.stdin
	exited := t.exited
	t.failAllPendingLocked(ErrTransportStopped)
	t.mu.Unlock()

	if stdin != nil {
		stdin.Close()
	}
	_ = cmd.Process.Kill()
	<-exited
}

// failAllPendingLocked resolves every in-flight request with err.
// Caller must hold t.mu. Each channel is buffered and each entry is
// deleted before its send, so no request can be resolved twice.
func (t *ProcessTransport) failAllPendingLocked(err error) {
	for id, pr := range t.pending {
		delete(t.pending, id)
		pr.ch <- callResult{err: fmt.Errorf("%w: %s", err, pr.method)}
	}
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if
// cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
