// Package heartbeat implements the Heartbeat Scanner described in
// spec.md §4.3: a background goroutine that pings idle clients and
// evicts ones that have gone silent for too long.
package heartbeat

import (
	"context"
	"log"
	"sync"
	"time"

	"chatrelay/internal/registry"
)

// Pinger is the minimal surface the scanner needs to push a heartbeat
// frame to a live transport.
type Pinger interface {
	WriteJSON(v interface{}) error
}

// pingFrame mirrors the {"type":"heartbeat","data":{...}} frame the
// original _heartbeat_loop sends.
type pingFrame struct {
	Type string        `json:"type"`
	Data pingFrameData `json:"data"`
}

type pingFrameData struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Scanner periodically walks the registry, pinging clients idle for
// more than Interval and evicting ones idle for more than Timeout.
type Scanner struct {
	reg      *registry.Registry
	interval time.Duration
	timeout  time.Duration

	startOnce sync.Once
	stop      chan struct{}
}

// New builds a Scanner bound to reg. It does not start a goroutine
// until Start is called — callers typically call Start lazily, the
// first time a client connects, matching the original
// start_heartbeat's "start the task if not already running" behavior.
func New(reg *registry.Registry, interval, timeout time.Duration) *Scanner {
	return &Scanner{reg: reg, interval: interval, timeout: timeout, stop: make(chan struct{})}
}

// Start launches the scanning goroutine. Calling Start more than once,
// including concurrently from multiple sessions' Run goroutines, is a
// no-op after the first call — sync.Once makes the "start if not
// already running" check itself race-free.
func (s *Scanner) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		go func() {
			log.Println("[Heartbeat] scanner started")
			ticker := time.NewTicker(s.interval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					log.Println("[Heartbeat] scanner stopping: context cancelled")
					return
				case <-s.stop:
					log.Println("[Heartbeat] scanner stopping")
					return
				case <-ticker.C:
					s.sweep()
				}
			}
		}()
	})
}

// Stop halts the scanning goroutine.
func (s *Scanner) Stop() {
	close(s.stop)
}

// sweep snapshots registry state under its lock, then performs all
// pinging/eviction I/O after releasing it — the registry never blocks
// on network I/O while holding its mutex.
func (s *Scanner) sweep() {
	for _, client := range s.reg.Snapshot() {
		switch {
		case client.Idle > s.timeout:
			log.Printf("[Heartbeat] client %s timed out (idle %s); evicting", client.ClientID, client.Idle)
			s.reg.Evict(client)
			client.Transport.Close()
		case client.Idle > s.interval:
			if pinger, ok := client.Transport.(Pinger); ok {
				frame := pingFrame{Type: "heartbeat", Data: pingFrameData{Message: "ping", Timestamp: time.Now().Format(time.RFC3339)}}
				if err := pinger.WriteJSON(frame); err != nil {
					log.Printf("[Heartbeat] error pinging client %s: %v; evicting", client.ClientID, err)
					s.reg.Evict(client)
					client.Transport.Close()
				}
			}
		}
	}
}
