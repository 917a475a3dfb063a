// Package processor implements the Message Processor described in
// spec.md §4.5: persist → policy short-circuit → simulated latency →
// LLM-or-static reply fan-out → persist replies.
package processor

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"

	"chatrelay/internal/chatmodel"
	"chatrelay/internal/llmclient"
	"chatrelay/internal/media"
	"chatrelay/internal/store"
)

// latencyRange gives the [min, max) simulated processing delay per
// message kind. This is an intentional design choice carried over
// unchanged: it shapes the load profile and exercises the processing
// gate under realistic hold times.
var latencyRange = map[chatmodel.MessageType][2]time.Duration{
	chatmodel.MessageText:  {0, time.Second},
	chatmodel.MessageVoice: {time.Second, 2 * time.Second},
	chatmodel.MessageImage: {2 * time.Second, 3 * time.Second},
	chatmodel.MessageVideo: {2 * time.Second, 3 * time.Second},
}

const (
	staticVoiceReplyPath = "/media/static_replies/reply.mp3"
	staticImageReplyPath = "/media/static_replies/reply.png"
)

// Processor wires the three ports together to turn a validated Record
// into an ordered list of reply frames.
type Processor struct {
	store store.Port
	media media.Port
	llm   llmclient.Port
}

// New builds a Processor over the given ports.
func New(st store.Port, md media.Port, llm llmclient.Port) *Processor {
	return &Processor{store: st, media: md, llm: llm}
}

// Process runs the full pipeline for rec and returns the reply frames
// to write back to the client, in order. It never returns an error:
// any internal failure is converted into a single synthetic error
// reply, matching the original processor's blanket exception boundary.
func (p *Processor) Process(ctx context.Context, rec *chatmodel.Record) []chatmodel.ReplyFrame {
	frames, err := p.process(ctx, rec)
	if err != nil {
		log.Printf("[Processor] error processing message for client %s: %v", rec.ClientID, err)
		return []chatmodel.ReplyFrame{{
			Type: "message",
			Data: chatmodel.ReplyFrameData{
				Message:   fmt.Sprintf("Error processing message: %v", err),
				ReplyType: string(chatmodel.ReplyText),
			},
		}}
	}
	return frames
}

func (p *Processor) process(ctx context.Context, rec *chatmodel.Record) ([]chatmodel.ReplyFrame, error) {
	if !rec.IsAccepted {
		msgID, err := p.persistMessage(ctx, rec, rec.Content)
		if err != nil {
			return nil, err
		}
		frame, err := p.emitTextReply(ctx, msgID, rec.StatusMessage)
		if err != nil {
			return nil, err
		}
		return []chatmodel.ReplyFrame{frame}, nil
	}

	content := rec.Content
	if chatmodel.IsMediaKind(rec.Kind) {
		saved, err := p.media.Save(ctx, media.Kind(rec.Kind), rec.Filename, rec.BinaryContent)
		if err != nil {
			return nil, fmt.Errorf("save media: %w", err)
		}
		content = saved.Path
	}

	msgID, err := p.persistMessage(ctx, rec, content)
	if err != nil {
		return nil, err
	}

	simulateLatency(ctx, rec.Kind)

	status := p.llm.Status()

	var frames []chatmodel.ReplyFrame

	if status.RateLimited {
		minutes := int(status.SecondsRemaining/60) + 1
		body := fmt.Sprintf("System is currently busy. Please try again in %d minutes. (Original message: %s...)",
			minutes, truncate(rec.Content, 30))
		frame, err := p.emitTextReply(ctx, msgID, body)
		if err != nil {
			return nil, err
		}
		return append(frames, frame), nil
	}

	textBody := p.replyText(ctx, rec)
	textFrame, err := p.emitTextReply(ctx, msgID, textBody)
	if err != nil {
		return nil, err
	}
	frames = append(frames, textFrame)

	if rec.Kind == chatmodel.MessageVoice || rec.Kind == chatmodel.MessageVideo || rec.Kind == chatmodel.MessageImage {
		voiceFrame, err := p.emitMediaReply(ctx, msgID, staticVoiceReplyPath, "reply.mp3", "audio/mpeg", chatmodel.ReplyVoice)
		if err != nil {
			return nil, err
		}
		frames = append(frames, voiceFrame)
	}

	if rec.Kind == chatmodel.MessageVideo || rec.Kind == chatmodel.MessageImage {
		imageFrame, err := p.emitMediaReply(ctx, msgID, staticImageReplyPath, "reply.png", "image/png", chatmodel.ReplyImage)
		if err != nil {
			return nil, err
		}
		frames = append(frames, imageFrame)
	}

	return frames, nil
}

// replyText produces the text-reply body for an accepted, non-rate-
// limited message: an LLM-generated response for text, or a canned
// acknowledgement for every other kind.
func (p *Processor) replyText(ctx context.Context, rec *chatmodel.Record) string {
	if rec.Kind != chatmodel.MessageText {
		return fmt.Sprintf("Received your %s message", rec.Kind)
	}

	prompt := fmt.Sprintf("You are a friendly chat assistant. Please provide a natural and helpful response: %q", rec.Content)
	reply, err := p.llm.Generate(ctx, prompt)
	if err != nil {
		log.Printf("[Processor] LLM generation failed: %v", err)
		return fmt.Sprintf("Sorry, I couldn't process your request at the moment. (Received: %s...)", truncate(rec.Content, 30))
	}
	return reply
}

func (p *Processor) persistMessage(ctx context.Context, rec *chatmodel.Record, content string) (int64, error) {
	statusMessage := rec.StatusMessage
	if rec.IsAccepted && statusMessage == "" {
		statusMessage = "Message accepted"
	}
	msg := &chatmodel.Message{
		ClientID:        rec.ClientID,
		MessageType:     string(rec.Kind),
		Content:         content,
		ClientTimestamp: rec.ClientTimestamp,
		Timezone:        rec.Timezone,
		IsAccepted:      rec.IsAccepted,
		StatusMessage:   statusMessage,
	}
	msgID, err := p.store.InsertMessage(ctx, msg)
	if err != nil {
		return 0, fmt.Errorf("persist message: %w", err)
	}
	return msgID, nil
}

func (p *Processor) emitTextReply(ctx context.Context, messageID int64, content string) (chatmodel.ReplyFrame, error) {
	reply := &chatmodel.Reply{MessageID: messageID, Content: content, ReplyType: string(chatmodel.ReplyText), IsDelivered: true}
	replyID, err := p.store.InsertReply(ctx, reply)
	if err != nil {
		return chatmodel.ReplyFrame{}, fmt.Errorf("persist reply: %w", err)
	}
	return chatmodel.NewTextReply(replyID, content), nil
}

func (p *Processor) emitMediaReply(ctx context.Context, messageID int64, content, filename, mimeType string, rt chatmodel.ReplyType) (chatmodel.ReplyFrame, error) {
	reply := &chatmodel.Reply{MessageID: messageID, Content: content, ReplyType: string(rt), IsDelivered: true}
	replyID, err := p.store.InsertReply(ctx, reply)
	if err != nil {
		return chatmodel.ReplyFrame{}, fmt.Errorf("persist reply: %w", err)
	}
	return chatmodel.NewMediaReply(replyID, content, filename, mimeType, rt), nil
}

// simulateLatency sleeps a uniformly random duration within kind's
// configured range, returning early if ctx is cancelled.
func simulateLatency(ctx context.Context, kind chatmodel.MessageType) {
	rng, ok := latencyRange[kind]
	if !ok {
		return
	}
	min, max := rng[0], rng[1]
	d := min
	if max > min {
		d += time.Duration(rand.Int63n(int64(max - min)))
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// truncate returns the first n runes of s (Python's content[:30]
// slices by code point, not byte).
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
