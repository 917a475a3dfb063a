// Package session implements the Session Handler described in
// spec.md §4.4: the per-connection state machine that takes a
// connection from handshake through the receive loop to termination.
package session

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chatrelay/internal/chatmodel"
	"chatrelay/internal/heartbeat"
	"chatrelay/internal/processor"
	"chatrelay/internal/registry"
	"chatrelay/internal/store"
)

var frameValidate = validator.New()

const writeWait = 10 * time.Second

// inboundEnvelope is the loosely-typed shape every inbound text frame
// is decoded into before classification: a superset of the handshake,
// content, and heartbeat frame shapes.
type inboundEnvelope struct {
	Type        string `json:"type"`
	MessageType string `json:"message_type"`
	Content     string `json:"content"`
	Filename    string `json:"filename"`
	Timestamp   string `json:"timestamp"`
	IsSystem    bool   `json:"is_system"`
	ClientID    string `json:"client_id"`
	Timezone    string `json:"timezone"`
	Data        struct {
		Message   string `json:"message"`
		Timestamp string `json:"timestamp"`
	} `json:"data"`
}

// Session wraps one accepted websocket connection and drives it
// through ACCEPTED → IDENTIFIED → RUNNING → … per spec.md §4.4. It
// implements registry.Transport and heartbeat.Pinger so the Registry
// and Heartbeat Scanner can act on it without depending on gorilla's
// types directly.
type Session struct {
	conn     *websocket.Conn
	reg      *registry.Registry
	hb       *heartbeat.Scanner
	proc     *processor.Processor
	store    store.Port
	connMu   sync.Mutex
	clientID string
	timezone string
	corrID   string
}

// New wires a websocket connection to the shared registry, heartbeat
// scanner, processor, and persistence port. Each session gets a
// correlation ID for log lines, since a client_id can reconnect under
// the same name and produce interleaved log output across connections.
func New(conn *websocket.Conn, reg *registry.Registry, hb *heartbeat.Scanner, proc *processor.Processor, st store.Port) *Session {
	return &Session{conn: conn, reg: reg, hb: hb, proc: proc, store: st, corrID: uuid.New().String()[:8]}
}

// Close closes the underlying transport with a normal close code. It
// satisfies registry.Transport.
func (s *Session) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	deadline := time.Now().Add(writeWait)
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return s.conn.Close()
}

// WriteJSON writes v as a single text frame, serializing concurrent
// writers. It satisfies heartbeat.Pinger.
func (s *Session) WriteJSON(v interface{}) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

// Run drives the full ACCEPTED→TERMINAL lifecycle for one connection.
// It blocks until the session ends, either by client disconnect,
// handshake rejection, or an unrecoverable transport error.
func (s *Session) Run(ctx context.Context) {
	// The session goroutine is its own recovery boundary: nothing
	// supervises it (chi's Recoverer only wraps the HTTP upgrade
	// handler that spawned it), so a panic anywhere below — in the
	// receive loop, the validator, or a port called from the
	// processor — must not crash the whole server. Deferred first, it
	// runs last: registry/admission cleanup deferred further down
	// still unwinds before this recovers.
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Session][%s] recovered from panic: %v", s.corrID, r)
		}
	}()

	clientID, timezone, ok := s.handshake()
	if !ok {
		return
	}
	s.clientID = clientID
	s.timezone = timezone

	s.reg.Connect(clientID, s)
	defer s.reg.Disconnect(clientID, s)

	if err := s.store.UpsertClient(ctx, clientID, timezone); err != nil {
		log.Printf("[Session][%s] failed to upsert client %s: %v", s.corrID, clientID, err)
	}

	if err := s.WriteJSON(chatmodel.SystemFrame{
		Type:     "system",
		Data:     chatmodel.SystemFrameData{Message: "Connected successfully"},
		IsSystem: true,
	}); err != nil {
		log.Printf("[Session][%s] failed to send system frame to %s: %v", s.corrID, clientID, err)
	}

	s.hb.Start(ctx)

	s.receiveLoop(ctx)
}

// handshake reads the first frame and extracts client_id/timezone. A
// missing client_id closes the transport with code 1008 and reports
// failure to the caller.
func (s *Session) handshake() (clientID, timezone string, ok bool) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return "", "", false
	}

	var frame chatmodel.HandshakeFrame
	if err := json.Unmarshal(data, &frame); err != nil || frameValidate.Struct(&frame) != nil {
		s.rejectHandshake()
		return "", "", false
	}

	timezone = frame.Timezone
	if timezone == "" {
		timezone = "UTC"
	}
	return frame.ClientID, timezone, true
}

func (s *Session) rejectHandshake() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Client ID required")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	s.conn.Close()
}

// receiveLoop implements RUNNING/DISPATCH/ADMIT/PROCESS. A frame is
// first decoded as structured JSON text; if that fails (or the frame
// arrived as a binary message), it is treated as a binary payload
// whose metadata arrives in the following frame, per spec.md §4.4.
func (s *Session) receiveLoop(ctx context.Context) {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var env inboundEnvelope
		var binaryContent []byte

		if msgType == websocket.BinaryMessage || json.Unmarshal(data, &env) != nil {
			binaryContent = data
			_, metaData, err := s.conn.ReadMessage()
			if err != nil {
				return
			}
			if err := json.Unmarshal(metaData, &env); err != nil {
				s.sendError("Malformed metadata frame")
				continue
			}
		}

		if s.dispatch(ctx, env, binaryContent) == disconnect {
			return
		}
	}
}

type dispatchResult int

const (
	keepGoing dispatchResult = iota
	disconnect
)

// dispatch implements the DISPATCH→ADMIT→PROCESS transitions for one
// inbound frame.
func (s *Session) dispatch(ctx context.Context, env inboundEnvelope, binaryContent []byte) dispatchResult {
	if env.Type == "system" || env.Type == "heartbeat" || env.IsSystem {
		if env.Data.Message == "pong" {
			s.reg.TouchHeartbeat(s.clientID)
		}
		return keepGoing
	}

	if !s.reg.StartSending(s.clientID) {
		s.sendError("Too many clients sending messages simultaneously (max 50). Please try again shortly.")
		return keepGoing
	}
	// Guaranteed-release scope: StopSending runs on every exit from
	// here on, including a panic unwinding out of Validate/Process,
	// per spec.md §5/§9 — the gate must never leak even when the
	// caller doesn't return normally.
	defer s.reg.StopSending(s.clientID)

	raw := chatmodel.RawFrame{
		Type:          env.Type,
		MessageType:   env.MessageType,
		Content:       env.Content,
		Filename:      env.Filename,
		Timestamp:     env.Timestamp,
		IsSystem:      env.IsSystem,
		BinaryContent: binaryContent,
	}
	rec, err := chatmodel.Validate(raw, s.clientID, s.timezone)
	if err != nil {
		s.sendError(err.Error())
		return keepGoing
	}

	if !s.reg.AcquireProcessingSlot() {
		s.sendError("Server at maximum message processing capacity (500). Please try again shortly.")
		return keepGoing
	}
	// Same guaranteed-release discipline for the independent
	// fleet-wide processing gate.
	defer s.reg.ReleaseProcessingSlot()

	frames := s.proc.Process(ctx, rec)

	for _, frame := range frames {
		if err := s.WriteJSON(frame); err != nil {
			if isDisconnectErr(err) {
				return disconnect
			}
			log.Printf("[Session][%s] failed to write reply to %s: %v", s.corrID, s.clientID, err)
		}
	}

	return keepGoing
}

func (s *Session) sendError(message string) {
	if err := s.WriteJSON(chatmodel.NewErrorFrame(message)); err != nil {
		log.Printf("[Session][%s] failed to write error frame to %s: %v", s.corrID, s.clientID, err)
	}
}

// isDisconnectErr reports whether err looks like the peer going away,
// per spec.md §4.4: any write error mentioning "code 1000" or
// "connection" ends the session rather than being logged and skipped.
func isDisconnectErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "code 1000") || strings.Contains(msg, "connection")
}
