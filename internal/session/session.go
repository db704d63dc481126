// Package session manages the lifecycle of one worker process and the
// instances multiplexed onto it. A Session owns the duplex stdio pipe to the
// worker, a FIFO queue for commands issued before the worker is ready, a
// background reader decoding inbound request documents, and the shutdown
// protocol with its bounded grace period.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/crucible/internal/log"
	"github.com/mattjoyce/crucible/internal/protocol"
)

// State is the session lifecycle state.
type State string

const (
	StateInit       State = "init"
	StateRunning    State = "running"
	StateTerminated State = "terminated"
)

// ErrTerminated is returned for operations on a session that has been closed.
var ErrTerminated = errors.New("session terminated")

// defaultGracePeriod bounds the wait for cooperative worker exit at teardown.
const defaultGracePeriod = 2 * time.Second

// DefaultKeepEnv is the fixed allow-list of controller environment variables
// forwarded to the worker when present. Everything else is stripped so the
// worker environment is reproducible regardless of controller context.
var DefaultKeepEnv = []string{"TEMP", "TMPDIR", "HOME", "USER", "LANG"}

// Instance is the client collaborator multiplexed onto a Session. Attach and
// Attached manage the instance's back-reference; the session calls them under
// its registry lock.
type Instance interface {
	ID() string
	SessionKey() string
	RuntimeVersion() string

	// Describe produces the serialized description embedded in the
	// start_instance command.
	Describe() *protocol.InstanceDesc

	// Post delivers an asynchronous request to the instance owner. It must
	// not block and must not call back into the session synchronously.
	Post(req *protocol.Request)

	Attach(s *Session)
	Attached() *Session
}

// Acquirer obtains the worker runtime bundle and reports completion
// asynchronously via onDone. Begin must not block the caller.
type Acquirer interface {
	Begin(ctx context.Context, onDone func(error))
}

// Config parameterizes a Session.
type Config struct {
	Key     string
	Version string

	// RuntimeRoot is the installed runtime directory for this version.
	RuntimeRoot string
	// WorkerPath is the worker executable to spawn.
	WorkerPath string
	// OutputFile, when set, receives the worker's stderr (create-or-truncate).
	OutputFile string

	GracePeriod time.Duration
	KeepEnv     []string

	// Acquirer, when non-nil, is started before the first worker spawn.
	// A nil Acquirer means the runtime root is already installed.
	Acquirer Acquirer

	// OnWorkerSpawned and OnDisconnect are optional observer hooks for the
	// pool layer. OnDisconnect runs on the reader goroutine and must not
	// wait for session teardown synchronously.
	OnWorkerSpawned func(pid int)
	OnDisconnect    func()
}

// Info is a point-in-time snapshot of a session for reporting surfaces.
type Info struct {
	SessionKey     string   `json:"session_key"`
	RuntimeVersion string   `json:"runtime_version"`
	State          State    `json:"state"`
	PID            int      `json:"pid,omitempty"`
	Instances      []string `json:"instances"`
}

// Session owns one worker process and all instances multiplexed onto it.
type Session struct {
	key         string
	version     string
	runtimeRoot string
	workerPath  string
	outputFile  string
	gracePeriod time.Duration
	keepEnv     []string

	acquirer        Acquirer
	onWorkerSpawned func(pid int)
	onDisconnect    func()

	logger *slog.Logger

	// mu guards state, pending, acquiring and the worker fields. It is held
	// across the queue drain at spawn so no direct send can overtake it.
	mu        sync.Mutex
	state     State
	pending   []*protocol.Command
	acquiring bool
	worker    *exec.Cmd
	pipeWrite *os.File // worker stdin, our write half
	pipeRead  *os.File // worker stdout, our read half
	waitDone  chan struct{}
	waitErr   error

	readerStarted  bool
	readerDone     chan struct{}
	readerContinue atomic.Bool

	// instMu is the dedicated registry lock, never held across a blocking
	// call. It is distinct from mu by design.
	instMu    sync.Mutex
	instances map[string]Instance
}

// New creates a session for one (session key, runtime version) pair. The
// worker process is not spawned until the first instance is started.
func New(cfg Config) *Session {
	grace := cfg.GracePeriod
	if grace <= 0 {
		grace = defaultGracePeriod
	}
	keep := cfg.KeepEnv
	if len(keep) == 0 {
		keep = DefaultKeepEnv
	}

	return &Session{
		key:             cfg.Key,
		version:         cfg.Version,
		runtimeRoot:     cfg.RuntimeRoot,
		workerPath:      cfg.WorkerPath,
		outputFile:      cfg.OutputFile,
		gracePeriod:     grace,
		keepEnv:         keep,
		acquirer:        cfg.Acquirer,
		onWorkerSpawned: cfg.OnWorkerSpawned,
		onDisconnect:    cfg.OnDisconnect,
		logger:          log.WithSession(cfg.Key).With("runtime_version", cfg.Version),
		state:           StateInit,
		instances:       make(map[string]Instance),
	}
}

func (s *Session) Key() string     { return s.key }
func (s *Session) Version() string { return s.version }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// InstanceCount returns the number of currently attached instances.
func (s *Session) InstanceCount() int {
	s.instMu.Lock()
	defer s.instMu.Unlock()
	return len(s.instances)
}

// Snapshot returns a point-in-time view of the session.
func (s *Session) Snapshot() Info {
	s.mu.Lock()
	info := Info{
		SessionKey:     s.key,
		RuntimeVersion: s.version,
		State:          s.state,
	}
	if s.worker != nil && s.worker.Process != nil {
		info.PID = s.worker.Process.Pid
	}
	s.mu.Unlock()

	s.instMu.Lock()
	info.Instances = make([]string, 0, len(s.instances))
	for id := range s.instances {
		info.Instances = append(info.Instances, id)
	}
	s.instMu.Unlock()
	sort.Strings(info.Instances)
	return info
}

// StartInstance attaches the instance to this session and starts it running.
// Starting an instance that is already attached somewhere, or whose session
// key or runtime version does not match, is a bug in the calling layer and
// panics. The first instance started on a fresh session triggers bundle
// acquisition and, on completion, the worker spawn.
func (s *Session) StartInstance(ctx context.Context, inst Instance) error {
	if inst.Attached() != nil {
		panic(fmt.Sprintf("session: instance %q is already attached", inst.ID()))
	}
	if inst.SessionKey() != s.key {
		panic(fmt.Sprintf("session: instance session key %q does not match session %q", inst.SessionKey(), s.key))
	}
	if inst.RuntimeVersion() != s.version {
		panic(fmt.Sprintf("session: instance runtime version %q does not match session %q", inst.RuntimeVersion(), s.version))
	}

	s.instMu.Lock()
	if _, dup := s.instances[inst.ID()]; dup {
		s.instMu.Unlock()
		panic(fmt.Sprintf("session: instance %q already registered", inst.ID()))
	}
	inst.Attach(s)
	s.instances[inst.ID()] = inst
	s.instMu.Unlock()

	if err := s.sendOrQueue(protocol.StartInstance(inst.Describe())); err != nil {
		return err
	}

	s.maybeStartWorker(ctx)
	return nil
}

// TerminateInstance stops the instance and detaches it from this session.
// The instance is detached even if command delivery fails, but only if it is
// still attached here: a concurrent session-wide sweep may have already
// detached it.
func (s *Session) TerminateInstance(inst Instance) error {
	err := s.sendOrQueue(protocol.TerminateInstance(inst.ID()))

	s.instMu.Lock()
	if inst.Attached() == s {
		inst.Attach(nil)
		delete(s.instances, inst.ID())
	}
	s.instMu.Unlock()

	return err
}

// sendOrQueue delivers the command to the running worker, or queues it until
// the worker is ready.
func (s *Session) sendOrQueue(cmd *protocol.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateRunning:
		return protocol.EncodeCommand(s.pipeWrite, cmd)
	case StateTerminated:
		return ErrTerminated
	default:
		s.pending = append(s.pending, cmd)
		return nil
	}
}

// maybeStartWorker kicks off bundle acquisition (and then the worker spawn)
// the first time an instance is started. Acquisition failure leaves the
// session in init with its queue intact; the next StartInstance retries.
func (s *Session) maybeStartWorker(ctx context.Context) {
	s.mu.Lock()
	if s.state != StateInit || s.acquiring {
		s.mu.Unlock()
		return
	}
	s.acquiring = true
	s.mu.Unlock()

	if s.acquirer == nil {
		// Runtime installed out of band; spawn directly.
		if err := s.startWorker(); err != nil {
			s.logger.Error("worker spawn failed", "error", err)
		}
		return
	}

	s.acquirer.Begin(ctx, func(err error) {
		if err != nil {
			s.logger.Error("runtime bundle acquisition failed", "error", err)
			s.mu.Lock()
			s.acquiring = false
			s.mu.Unlock()
			return
		}
		if err := s.startWorker(); err != nil {
			s.logger.Error("worker spawn failed", "error", err)
		}
	})
}

// readLoop decodes one inbound document at a time and dispatches it to the
// owning instance. On decode failure or EOF it treats the worker as gone:
// unless the controller is tearing the session down, it posts a stop request
// to every registered instance and exits permanently.
func (s *Session) readLoop(r *os.File) {
	defer close(s.readerDone)

	dec := protocol.NewDecoder(r)
	for s.readerContinue.Load() {
		req, err := dec.Next()
		if err != nil {
			if s.readerContinue.Load() {
				s.logger.Error("worker pipe closed", "error", err)
				s.notifyStop()
				if s.onDisconnect != nil {
					s.onDisconnect()
				}
			}
			return
		}
		s.dispatch(req)
	}
}

func (s *Session) dispatch(req *protocol.Request) {
	s.instMu.Lock()
	inst, ok := s.instances[req.InstanceID]
	s.instMu.Unlock()

	if !ok {
		s.logger.Warn("request for unknown instance", "type", req.Type, "instance_id", req.InstanceID)
		return
	}
	inst.Post(req)
}

// notifyStop posts a stop request to every registered instance. The registry
// snapshot is taken under the lock and released before posting, so an
// instance owner can re-enter TerminateInstance from its request handler.
// An instance detached between the snapshot and the post may still receive
// one spurious stop; owners must tolerate that.
func (s *Session) notifyStop() {
	s.instMu.Lock()
	snapshot := make([]Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		snapshot = append(snapshot, inst)
	}
	s.instMu.Unlock()

	for _, inst := range snapshot {
		inst.Post(&protocol.Request{Type: protocol.RequestStop, InstanceID: inst.ID()})
	}
}

// Close tears the session down: sends the exit command, waits up to the grace
// period for the worker to leave on its own, kills it otherwise, discards any
// never-sent queued commands, joins the reader, and detaches all instances.
// Close is idempotent and never blocks past the grace period plus a small
// bounded overhead.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		s.joinReader()
		return nil
	}
	wasRunning := s.state == StateRunning
	s.state = StateTerminated

	// Stop the reader from treating the coming pipe closure as a worker
	// crash before any pipe is touched.
	s.readerContinue.Store(false)

	var worker *exec.Cmd
	if wasRunning {
		// Tell the worker we're going away, and close its stdin to
		// underscore the point even if the write failed.
		if err := protocol.EncodeCommand(s.pipeWrite, protocol.Exit()); err != nil {
			s.logger.Debug("exit command not delivered", "error", err)
		}
		_ = s.pipeWrite.Close()
		worker = s.worker
	}

	// Commands still queued were never sent; this only happens when the
	// worker was never started.
	if n := len(s.pending); n > 0 {
		s.logger.Debug("discarding unsent commands", "count", n)
	}
	s.pending = nil
	waitDone := s.waitDone
	s.mu.Unlock()

	if wasRunning && worker != nil {
		select {
		case <-waitDone:
		case <-time.After(s.gracePeriod):
			s.logger.Warn("worker did not exit within grace period, killing",
				"pid", worker.Process.Pid, "grace", s.gracePeriod)
			_ = worker.Process.Kill()
			<-waitDone
		}
		if s.waitErr != nil {
			s.logger.Debug("worker exited", "error", s.waitErr)
		}
	}

	s.joinReader()

	// Sweep any instances still attached.
	s.instMu.Lock()
	for id, inst := range s.instances {
		if inst.Attached() == s {
			inst.Attach(nil)
		}
		delete(s.instances, id)
	}
	s.instMu.Unlock()

	return nil
}

// joinReader waits for the reader goroutine to exit, closing the inbound pipe
// first to unblock a pending read. Joining is idempotent and a no-op when the
// reader was never started.
func (s *Session) joinReader() {
	s.mu.Lock()
	started := s.readerStarted
	done := s.readerDone
	pipeRead := s.pipeRead
	s.readerStarted = false
	s.mu.Unlock()

	if !started {
		return
	}

	s.readerContinue.Store(false)
	if pipeRead != nil {
		_ = pipeRead.Close()
	}
	<-done
}
