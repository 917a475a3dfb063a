// Package registry implements the Connection Registry described in
// spec.md §4.2: the single source of truth for which clients are live,
// who is currently sending, and how many messages are in flight
// fleet-wide.
//
// Every modification happens under one mutex. The registry never
// blocks on I/O while holding it; the heartbeat scanner snapshots state
// under the lock and acts on the snapshot afterward — mirroring the
// design note on the teacher's websocket Hub that a single mutex is
// sufficient because state transitions are all short and synchronous.
package registry

import (
	"log"
	"sync"
	"time"
)

// Transport is the minimal surface the registry needs from a live
// connection in order to evict it; the session package supplies the
// concrete type.
type Transport interface {
	Close() error
}

// session is the registry's private bookkeeping for one connected client.
type session struct {
	clientID      string
	transport     Transport
	lastHeartbeat time.Time
}

// Registry holds all live sessions and the two independent admission
// counters from spec.md §4.2: sendingCount (bounded by MaxSending) and
// processingCount (bounded by MaxProcessing).
type Registry struct {
	mu sync.Mutex

	sessions map[string]*session
	sending  map[string]bool

	sendingCount    int
	processingCount int

	maxSending    int
	maxProcessing int
}

// New builds an empty Registry with the given fleet-wide caps.
func New(maxSending, maxProcessing int) *Registry {
	return &Registry{
		sessions:      make(map[string]*session),
		sending:       make(map[string]bool),
		maxSending:    maxSending,
		maxProcessing: maxProcessing,
	}
}

// Connect registers transport under clientID, unconditionally replacing
// any prior session for that client — the original ConnectionManager
// overwrites active_connections[client_id] without checking for a
// collision, so a second handshake for the same client_id supersedes
// the first. The superseded transport, if any, is closed outside the
// lock. Connect always returns true, matching the original's signature;
// there is no fleet-wide cap on connection count, only on sending and
// processing.
func (r *Registry) Connect(clientID string, transport Transport) bool {
	r.mu.Lock()
	prev := r.sessions[clientID]
	r.sessions[clientID] = &session{clientID: clientID, transport: transport, lastHeartbeat: time.Now()}
	r.mu.Unlock()

	if prev != nil && prev.transport != nil {
		log.Printf("[Registry] client %s reconnected; closing superseded session", clientID)
		prev.transport.Close()
	}
	return true
}

// Disconnect tears down the caller's own session for clientID,
// identified by transport. It only removes clientID's registry/sending
// state when the stored session still points at this same transport —
// exactly the identity check Evict uses — so that a superseded
// session's deferred Disconnect cannot delete the reconnected client's
// live entry or close its new transport. Safe to call more than once;
// a close error (already closed, or an unexpected transport message)
// is logged and swallowed, never propagated.
func (r *Registry) Disconnect(clientID string, transport Transport) {
	r.mu.Lock()
	s, ok := r.sessions[clientID]
	if ok && s.transport == transport {
		delete(r.sessions, clientID)
		if r.sending[clientID] {
			delete(r.sending, clientID)
			r.sendingCount--
		}
	}
	r.mu.Unlock()

	if transport != nil {
		if err := transport.Close(); err != nil {
			log.Printf("[Registry] close on disconnect for %s: %v", clientID, err)
		}
	}
}

// StartSending attempts to mark clientID as currently sending a
// message. It fails if the client is already sending or the fleet-wide
// MaxSending cap has been reached.
func (r *Registry) StartSending(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sending[clientID] {
		return false
	}
	if r.sendingCount >= r.maxSending {
		return false
	}
	r.sending[clientID] = true
	r.sendingCount++
	return true
}

// StopSending clears clientID's sending state. It is idempotent.
func (r *Registry) StopSending(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sending[clientID] {
		delete(r.sending, clientID)
		r.sendingCount--
	}
}

// AcquireProcessingSlot attempts to reserve one of the fleet-wide
// processing slots. It is independent of StartSending: a client can
// hold a sending slot and a processing slot simultaneously, and the
// two counters are never conflated.
func (r *Registry) AcquireProcessingSlot() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.processingCount >= r.maxProcessing {
		return false
	}
	r.processingCount++
	return true
}

// ReleaseProcessingSlot returns one processing slot to the pool. It is
// a caller error to call it without a matching successful
// AcquireProcessingSlot, but it never goes negative.
func (r *Registry) ReleaseProcessingSlot() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.processingCount > 0 {
		r.processingCount--
	}
}

// TouchHeartbeat records that clientID was observed alive just now.
func (r *Registry) TouchHeartbeat(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[clientID]; ok {
		s.lastHeartbeat = time.Now()
	}
}

// Stats is a point-in-time snapshot for the /health endpoint.
type Stats struct {
	ActiveConnections  int
	CurrentlySending   int
	MessagesProcessing int
	MaxSending         int
	MaxProcessing      int
}

// Stats returns current fleet counters.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		ActiveConnections:  len(r.sessions),
		CurrentlySending:   r.sendingCount,
		MessagesProcessing: r.processingCount,
		MaxSending:         r.maxSending,
		MaxProcessing:      r.maxProcessing,
	}
}

// StaleClient describes a session found stale by the heartbeat scanner.
type StaleClient struct {
	ClientID  string
	Transport Transport
	Idle      time.Duration
}

// Snapshot returns every session's client ID, transport, and idle
// duration without performing any I/O, so the heartbeat scanner can
// release the lock before pinging or closing connections.
func (r *Registry) Snapshot() []StaleClient {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]StaleClient, 0, len(r.sessions))
	now := time.Now()
	for _, s := range r.sessions {
		out = append(out, StaleClient{
			ClientID:  s.clientID,
			Transport: s.transport,
			Idle:      now.Sub(s.lastHeartbeat),
		})
	}
	return out
}

// Evict removes clientID's session if it is still the one described by
// stale — it will not evict a session that has since reconnected with
// a new transport.
func (r *Registry) Evict(stale StaleClient) {
	r.mu.Lock()
	s, ok := r.sessions[stale.ClientID]
	if ok && s.transport == stale.Transport {
		delete(r.sessions, stale.ClientID)
		if r.sending[stale.ClientID] {
			delete(r.sending, stale.ClientID)
			r.sendingCount--
		}
	}
	r.mu.Unlock()
}
