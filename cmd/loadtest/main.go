// Command loadtest drives many concurrent chat sessions against a
// running server to exercise the Connection Registry's admission gates
// under load. It is a trimmed Go translation of the project's original
// Python batch client: a pool of simulated clients, each sending text
// messages on its own loop, reconnecting with a doubling backoff after
// a session error.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

func main() {
	serverURL := flag.String("url", "ws://localhost:8082/ws", "server websocket URL")
	numClients := flag.Int("clients", 100, "number of simulated clients")
	totalMessages := flag.Int("messages", 2000, "total messages to send across all clients")
	duration := flag.Duration("duration", 5*time.Minute, "maximum run time")
	messageDelay := flag.Duration("message-delay", 50*time.Millisecond, "delay between messages from one client")
	flag.Parse()

	lt := &loadTest{
		serverURL:     *serverURL,
		totalMessages: int64(*totalMessages),
		messageDelay:  *messageDelay,
	}

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	log.Printf("starting load test: %d clients, target %d messages, url=%s", *numClients, *totalMessages, *serverURL)

	var wg sync.WaitGroup
	for i := 0; i < *numClients; i++ {
		clientID := fmt.Sprintf("loadtest_client_%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			lt.runClient(ctx, clientID)
		}()
	}
	wg.Wait()

	lt.report()
}

type loadTest struct {
	serverURL     string
	totalMessages int64
	messageDelay  time.Duration

	messagesSent   int64
	messagesFailed int64
	rateLimitsHit  int64
	reconnects     int64
}

type outboundMessage struct {
	Content     string `json:"content"`
	MessageType string `json:"message_type"`
	Timestamp   string `json:"timestamp"`
}

type inboundFrame struct {
	Type string `json:"type"`
	Data struct {
		Message string `json:"message"`
	} `json:"data"`
}

// runClient holds one simulated client's connection loop: connect,
// handshake, and send until the shared message budget is exhausted or
// ctx expires, which ends the client. A session that fails with an
// error is retried after a backoff that starts at one second and
// doubles, for at most three sessions in all.
func (lt *loadTest) runClient(ctx context.Context, clientID string) {
	backoff := time.Second
	for attempt := 0; attempt < 3; attempt++ {
		if ctx.Err() != nil {
			return
		}
		if err := lt.clientSession(ctx, clientID); err != nil {
			log.Printf("client %s: session error: %v", clientID, err)
			atomic.AddInt64(&lt.reconnects, 1)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			continue
		}
		return
	}
}

func (lt *loadTest) clientSession(ctx context.Context, clientID string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, lt.serverURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"client_id": clientID, "timezone": "UTC"}); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	var sys inboundFrame
	if err := conn.ReadJSON(&sys); err != nil {
		return fmt.Errorf("read system frame: %w", err)
	}

	for {
		if atomic.LoadInt64(&lt.messagesSent) >= lt.totalMessages {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := lt.sendMessage(conn, clientID); err != nil {
			atomic.AddInt64(&lt.messagesFailed, 1)
			return err
		}

		jitter := time.Duration(rand.Int63n(int64(400 * time.Millisecond)))
		time.Sleep(lt.messageDelay + jitter)
	}
}

// sendMessage sends one text message and waits for the corresponding
// reply or error frame, retrying up to three times on a rate-limit
// rejection with an exponential backoff, mirroring the original
// client's send_message.
func (lt *loadTest) sendMessage(conn *websocket.Conn, clientID string) error {
	retryDelay := 100 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		msg := outboundMessage{
			Content:     fmt.Sprintf("Test message %d from %s", atomic.LoadInt64(&lt.messagesSent), clientID),
			MessageType: "text",
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
		}
		payload, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return fmt.Errorf("write: %w", err)
		}

		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var reply inboundFrame
		if err := conn.ReadJSON(&reply); err != nil {
			return fmt.Errorf("read reply: %w", err)
		}

		if reply.Type == "error" {
			lower := strings.ToLower(reply.Data.Message)
			if strings.Contains(lower, "rate limit") || strings.Contains(lower, "capacity") {
				atomic.AddInt64(&lt.rateLimitsHit, 1)
			}
			time.Sleep(retryDelay)
			retryDelay *= 2
			continue
		}

		atomic.AddInt64(&lt.messagesSent, 1)
		return nil
	}
	return fmt.Errorf("exhausted retries for %s", clientID)
}

func (lt *loadTest) report() {
	sent := atomic.LoadInt64(&lt.messagesSent)
	failed := atomic.LoadInt64(&lt.messagesFailed)
	log.Println("load test complete")
	log.Printf("messages sent: %d", sent)
	log.Printf("messages failed: %d", failed)
	log.Printf("rate limits hit: %d", atomic.LoadInt64(&lt.rateLimitsHit))
	log.Printf("reconnects: %d", atomic.LoadInt64(&lt.reconnects))
	if sent+failed > 0 {
		log.Printf("success rate: %.1f%%", float64(sent)/float64(sent+failed)*100)
	}
}
