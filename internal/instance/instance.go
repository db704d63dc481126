// Package instance provides the standard Instance implementation multiplexed
// onto sessions: an identifier, the (session key, runtime version) pair that
// selects its session, and a buffered mailbox for asynchronous requests.
package instance

import (
	"sync"

	"github.com/google/uuid"
	"github.com/mattjoyce/crucible/internal/log"
	"github.com/mattjoyce/crucible/internal/protocol"
	"github.com/mattjoyce/crucible/internal/session"
)

// mailboxSize bounds the per-instance request buffer. Requests beyond it are
// dropped rather than blocking the session's reader.
const mailboxSize = 32

// Handle is a logical client unit. It satisfies session.Instance.
type Handle struct {
	id             string
	sessionKey     string
	runtimeVersion string
	tokens         map[string]string

	mu   sync.Mutex
	sess *session.Session

	requests chan *protocol.Request
}

// Option customizes a Handle.
type Option func(*Handle)

// WithID sets an explicit instance identifier instead of a generated one.
func WithID(id string) Option {
	return func(h *Handle) { h.id = id }
}

// WithToken adds a key/value token to the instance description.
func WithToken(key, value string) Option {
	return func(h *Handle) { h.tokens[key] = value }
}

// New creates an unattached instance for the given session key and runtime
// version. The identifier defaults to a fresh UUID.
func New(sessionKey, runtimeVersion string, opts ...Option) *Handle {
	h := &Handle{
		id:             uuid.NewString(),
		sessionKey:     sessionKey,
		runtimeVersion: runtimeVersion,
		tokens:         make(map[string]string),
		requests:       make(chan *protocol.Request, mailboxSize),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handle) ID() string             { return h.id }
func (h *Handle) SessionKey() string     { return h.sessionKey }
func (h *Handle) RuntimeVersion() string { return h.runtimeVersion }

// Describe produces the description element embedded in the start_instance
// command.
func (h *Handle) Describe() *protocol.InstanceDesc {
	desc := &protocol.InstanceDesc{
		ID:             h.id,
		SessionKey:     h.sessionKey,
		RuntimeVersion: h.runtimeVersion,
	}
	if len(h.tokens) > 0 {
		desc.Tokens = make(map[string]string, len(h.tokens))
		for k, v := range h.tokens {
			desc.Tokens[k] = v
		}
	}
	return desc
}

// Post delivers a request to the mailbox without blocking. When the owner has
// fallen behind and the mailbox is full, the request is dropped.
func (h *Handle) Post(req *protocol.Request) {
	select {
	case h.requests <- req:
	default:
		log.WithInstance(h.id).Warn("request mailbox full, dropping", "type", req.Type)
	}
}

// Requests exposes the mailbox for the instance owner to consume.
func (h *Handle) Requests() <-chan *protocol.Request {
	return h.requests
}

// Attach records the owning session. Called by the session under its
// registry lock; nil detaches.
func (h *Handle) Attach(s *session.Session) {
	h.mu.Lock()
	h.sess = s
	h.mu.Unlock()
}

// Attached returns the session this instance is currently attached to, or
// nil when unattached.
func (h *Handle) Attached() *session.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sess
}
