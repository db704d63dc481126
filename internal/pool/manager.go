// Package pool multiplexes instances onto sessions. The manager keys sessions
// by (session key, runtime version), creates them on first use, tears them
// down when their last instance leaves or their worker disconnects, and feeds
// lifecycle transitions to the event hub and the journal.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mattjoyce/crucible/internal/bundle"
	"github.com/mattjoyce/crucible/internal/config"
	"github.com/mattjoyce/crucible/internal/events"
	"github.com/mattjoyce/crucible/internal/instance"
	"github.com/mattjoyce/crucible/internal/journal"
	"github.com/mattjoyce/crucible/internal/log"
	"github.com/mattjoyce/crucible/internal/protocol"
	"github.com/mattjoyce/crucible/internal/session"
)

// ErrUnknownInstance is returned when the referenced instance is not managed
// by this pool.
var ErrUnknownInstance = errors.New("unknown instance")

// ErrShutdown is returned for operations after Shutdown has begun.
var ErrShutdown = errors.New("pool is shut down")

type poolKey struct {
	key     string
	version string
}

// InstanceSpec describes a new instance to start. ID is optional; a fresh
// UUID is assigned when empty. RuntimeVersion defaults to the configured
// default version.
type InstanceSpec struct {
	ID             string            `json:"id,omitempty"`
	SessionKey     string            `json:"session_key"`
	RuntimeVersion string            `json:"runtime_version,omitempty"`
	Tokens         map[string]string `json:"tokens,omitempty"`
}

// member is one pool-managed instance and the goroutine plumbing around it.
type member struct {
	handle *instance.Handle
	key    poolKey
	done   chan struct{}
}

// Manager owns every session in the process.
type Manager struct {
	cfg    config.RuntimeConfig
	hub    *events.Hub
	jrnl   *journal.Journal
	logger *slog.Logger

	mu        sync.Mutex
	sessions  map[poolKey]*session.Session
	members   map[string]*member
	shutdown  bool
	releaseWG sync.WaitGroup
}

// New creates a manager. hub and jrnl may be nil; both are best-effort
// observers of the pool, never gatekeepers.
func New(cfg config.RuntimeConfig, hub *events.Hub, jrnl *journal.Journal) *Manager {
	return &Manager{
		cfg:      cfg,
		hub:      hub,
		jrnl:     jrnl,
		logger:   log.WithComponent("pool"),
		sessions: make(map[poolKey]*session.Session),
		members:  make(map[string]*member),
	}
}

// StartInstance creates the instance, binds it to the session for its
// (session key, runtime version) pair, creating the session first if none
// exists, and starts it running.
func (m *Manager) StartInstance(ctx context.Context, spec InstanceSpec) (*instance.Handle, error) {
	if spec.SessionKey == "" {
		return nil, fmt.Errorf("session_key is required")
	}
	version := spec.RuntimeVersion
	if version == "" {
		version = m.cfg.Version
	}

	opts := make([]instance.Option, 0, len(spec.Tokens)+1)
	if spec.ID != "" {
		opts = append(opts, instance.WithID(spec.ID))
	}
	for k, v := range spec.Tokens {
		opts = append(opts, instance.WithToken(k, v))
	}
	h := instance.New(spec.SessionKey, version, opts...)

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil, ErrShutdown
	}
	if _, dup := m.members[h.ID()]; dup {
		m.mu.Unlock()
		return nil, fmt.Errorf("instance %q already exists", h.ID())
	}

	pk := poolKey{key: spec.SessionKey, version: version}
	sess, ok := m.sessions[pk]
	if !ok {
		sess = m.newSession(pk)
		m.sessions[pk] = sess
	}

	mem := &member{handle: h, key: pk, done: make(chan struct{})}
	m.members[h.ID()] = mem
	m.mu.Unlock()

	if err := sess.StartInstance(ctx, h); err != nil {
		m.mu.Lock()
		delete(m.members, h.ID())
		m.mu.Unlock()
		close(mem.done)
		return nil, fmt.Errorf("start instance %s: %w", h.ID(), err)
	}

	go m.forward(mem)

	m.publish(events.TypeInstanceStarted, map[string]string{
		"instance_id":     h.ID(),
		"session_key":     pk.key,
		"runtime_version": pk.version,
	})
	m.record(journal.Entry{
		SessionKey:     pk.key,
		RuntimeVersion: pk.version,
		Event:          journal.EventInstanceStarted,
		InstanceID:     h.ID(),
	})
	return h, nil
}

// TerminateInstance stops the instance and detaches it. When it was the last
// instance on its session, the session is released as well.
func (m *Manager) TerminateInstance(ctx context.Context, id string) error {
	m.mu.Lock()
	mem, ok := m.members[id]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownInstance
	}
	delete(m.members, id)
	sess := m.sessions[mem.key]
	m.mu.Unlock()

	close(mem.done)

	var err error
	if sess != nil {
		err = sess.TerminateInstance(mem.handle)
		if errors.Is(err, session.ErrTerminated) {
			// The session went away underneath the instance; detaching
			// is all that was left to do.
			err = nil
		}
	}

	m.publish(events.TypeInstanceTerminated, map[string]string{
		"instance_id":     id,
		"session_key":     mem.key.key,
		"runtime_version": mem.key.version,
	})
	m.record(journal.Entry{
		SessionKey:     mem.key.key,
		RuntimeVersion: mem.key.version,
		Event:          journal.EventInstanceTerminated,
		InstanceID:     id,
	})

	if sess != nil && sess.InstanceCount() == 0 {
		m.release(mem.key, "last instance terminated")
	}
	return err
}

// Lookup returns the instance with the given ID, or nil.
func (m *Manager) Lookup(id string) *instance.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mem, ok := m.members[id]; ok {
		return mem.handle
	}
	return nil
}

// Sessions returns a snapshot of every live session.
func (m *Manager) Sessions() []session.Info {
	m.mu.Lock()
	sessions := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	infos := make([]session.Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Snapshot())
	}
	return infos
}

// Shutdown releases every session and waits for in-flight releases. New work
// is refused from the first call on.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		m.releaseWG.Wait()
		return nil
	}
	m.shutdown = true
	keys := make([]poolKey, 0, len(m.sessions))
	for pk := range m.sessions {
		keys = append(keys, pk)
	}
	for _, mem := range m.members {
		close(mem.done)
	}
	m.members = make(map[string]*member)
	m.mu.Unlock()

	for _, pk := range keys {
		m.release(pk, "shutdown")
	}
	m.releaseWG.Wait()
	return nil
}

// newSession builds the session for pk, wiring bundle acquisition and the
// lifecycle hooks. Caller holds m.mu.
func (m *Manager) newSession(pk poolKey) *session.Session {
	root := m.cfg.RuntimeRoot(pk.version)

	var acq session.Acquirer
	if m.cfg.BundlePath != "" {
		a := bundle.NewAcquirer(&bundle.FileFetcher{Path: m.cfg.BundlePath}, root, m.cfg.BundleChecksum)
		if !a.Ready() {
			acq = a
		}
	}

	sess := session.New(session.Config{
		Key:         pk.key,
		Version:     pk.version,
		RuntimeRoot: root,
		WorkerPath:  m.cfg.WorkerPath(pk.version),
		OutputFile:  m.cfg.OutputFile,
		GracePeriod: m.cfg.GracePeriod,
		KeepEnv:     m.cfg.KeepEnv,
		Acquirer:    acq,
		OnWorkerSpawned: func(pid int) {
			m.publish(events.TypeWorkerSpawned, map[string]any{
				"session_key":     pk.key,
				"runtime_version": pk.version,
				"pid":             pid,
			})
			m.record(journal.Entry{
				SessionKey:     pk.key,
				RuntimeVersion: pk.version,
				Event:          journal.EventWorkerSpawned,
				Detail:         fmt.Sprintf("pid %d", pid),
			})
		},
		OnDisconnect: func() {
			// Runs on the session's reader goroutine. Closing the
			// session from here would deadlock on the reader join,
			// so the release is handed to a fresh goroutine.
			m.publish(events.TypeWorkerDisconnected, map[string]string{
				"session_key":     pk.key,
				"runtime_version": pk.version,
			})
			m.record(journal.Entry{
				SessionKey:     pk.key,
				RuntimeVersion: pk.version,
				Event:          journal.EventWorkerDisconnected,
			})
			m.mu.Lock()
			if m.shutdown {
				// Shutdown already owns every remaining release.
				m.mu.Unlock()
				return
			}
			m.releaseWG.Add(1)
			m.mu.Unlock()
			go func() {
				defer m.releaseWG.Done()
				m.release(pk, "worker disconnected")
			}()
		},
	})

	m.publish(events.TypeSessionStarted, map[string]string{
		"session_key":     pk.key,
		"runtime_version": pk.version,
	})
	m.record(journal.Entry{
		SessionKey:     pk.key,
		RuntimeVersion: pk.version,
		Event:          journal.EventSessionStarted,
	})
	return sess
}

// release closes the session for pk if it is still registered. Safe to call
// from multiple paths; only the caller that removes it does the close.
func (m *Manager) release(pk poolKey, reason string) {
	m.mu.Lock()
	sess, ok := m.sessions[pk]
	if ok {
		delete(m.sessions, pk)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	m.logger.Info("releasing session",
		"session_key", pk.key, "runtime_version", pk.version, "reason", reason)
	if err := sess.Close(); err != nil {
		m.logger.Warn("session close", "session_key", pk.key, "error", err)
	}

	m.publish(events.TypeSessionReleased, map[string]string{
		"session_key":     pk.key,
		"runtime_version": pk.version,
		"reason":          reason,
	})
	m.record(journal.Entry{
		SessionKey:     pk.key,
		RuntimeVersion: pk.version,
		Event:          journal.EventSessionReleased,
		Detail:         reason,
	})
}

// forward drains the instance mailbox: requests become hub events, and a stop
// request retires the instance the same way an explicit terminate would.
func (m *Manager) forward(mem *member) {
	id := mem.handle.ID()
	for {
		select {
		case <-mem.done:
			return
		case req := <-mem.handle.Requests():
			m.publish(events.TypeInstanceRequest, map[string]any{
				"instance_id": id,
				"type":        req.Type,
				"payload":     req.Payload,
			})
			if req.Type == protocol.RequestStop {
				if err := m.TerminateInstance(context.Background(), id); err != nil && !errors.Is(err, ErrUnknownInstance) {
					m.logger.Warn("stop request cleanup", "instance_id", id, "error", err)
				}
				return
			}
		}
	}
}

func (m *Manager) publish(eventType string, data any) {
	if m.hub != nil {
		m.hub.Publish(eventType, data)
	}
}

func (m *Manager) record(e journal.Entry) {
	if m.jrnl == nil {
		return
	}
	if err := m.jrnl.Record(context.Background(), e); err != nil {
		m.logger.Debug("journal write failed", "event", e.Event, "error", err)
	}
}
