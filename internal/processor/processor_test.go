package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	"chatrelay/internal/chatmodel"
	"chatrelay/internal/llmclient"
	"chatrelay/internal/media"
)

type fakeStore struct {
	messages []chatmodel.Message
	replies  []chatmodel.Reply
	failNext bool
}

func (f *fakeStore) UpsertClient(ctx context.Context, clientID, timezone string) error { return nil }

func (f *fakeStore) InsertMessage(ctx context.Context, msg *chatmodel.Message) (int64, error) {
	if f.failNext {
		return 0, errors.New("boom")
	}
	msg.ID = int64(len(f.messages) + 1)
	f.messages = append(f.messages, *msg)
	return msg.ID, nil
}

func (f *fakeStore) InsertReply(ctx context.Context, reply *chatmodel.Reply) (int64, error) {
	reply.ID = int64(len(f.replies) + 1)
	f.replies = append(f.replies, *reply)
	return reply.ID, nil
}

func (f *fakeStore) CountMessages(ctx context.Context, clientID string) (int, error) {
	return len(f.messages), nil
}

func (f *fakeStore) History(ctx context.Context, clientID string, limit, offset int) ([]chatmodel.HistoryEntry, int, error) {
	return nil, 0, nil
}

type fakeMedia struct {
	failNext bool
}

func (f *fakeMedia) Save(ctx context.Context, kind media.Kind, filename string, content []byte) (*media.Saved, error) {
	if f.failNext {
		return nil, errors.New("disk full")
	}
	return &media.Saved{Path: "/media/" + string(kind) + "s/" + filename, Filename: filename, MimeType: "application/octet-stream"}, nil
}

type fakeLLM struct {
	status llmclient.Status
	reply  string
	err    error
}

func (f *fakeLLM) Generate(ctx context.Context, prompt string) (string, error) {
	return f.reply, f.err
}

func (f *fakeLLM) Status() llmclient.Status { return f.status }

func newTestProcessor(st *fakeStore, md *fakeMedia, llm *fakeLLM) *Processor {
	return New(st, md, llm)
}

func TestProcessRejectedMessageEmitsOneReply(t *testing.T) {
	st := &fakeStore{}
	p := newTestProcessor(st, &fakeMedia{}, &fakeLLM{})

	rec := &chatmodel.Record{
		Kind:          chatmodel.MessageText,
		ClientID:      "c1",
		Content:       "hi",
		IsAccepted:    false,
		StatusMessage: "Text messages are only accepted between 5 AM and midnight",
	}

	frames := p.Process(context.Background(), rec)
	if len(frames) != 1 {
		t.Fatalf("expected exactly one reply, got %d", len(frames))
	}
	if frames[0].Data.Content != rec.StatusMessage {
		t.Fatalf("expected reply content to echo status message, got %q", frames[0].Data.Content)
	}
	if len(st.messages) != 1 || st.messages[0].IsAccepted {
		t.Fatal("expected exactly one message persisted as not accepted")
	}
}

func TestProcessTextAcceptedUsesLLM(t *testing.T) {
	st := &fakeStore{}
	llm := &fakeLLM{reply: "hello back"}
	p := newTestProcessor(st, &fakeMedia{}, llm)

	rec := &chatmodel.Record{Kind: chatmodel.MessageText, ClientID: "c1", Content: "hi", IsAccepted: true}
	frames := p.Process(context.Background(), rec)

	if len(frames) != 1 {
		t.Fatalf("expected exactly one reply for text, got %d", len(frames))
	}
	if frames[0].Data.Content != "hello back" {
		t.Fatalf("expected LLM reply content, got %q", frames[0].Data.Content)
	}
}

func TestProcessTextLLMFailureFallsBack(t *testing.T) {
	st := &fakeStore{}
	llm := &fakeLLM{err: errors.New("upstream down")}
	p := newTestProcessor(st, &fakeMedia{}, llm)

	rec := &chatmodel.Record{Kind: chatmodel.MessageText, ClientID: "c1", Content: "hi", IsAccepted: true}
	frames := p.Process(context.Background(), rec)

	if len(frames) != 1 {
		t.Fatalf("expected one reply, got %d", len(frames))
	}
	want := "Sorry, I couldn't process your request at the moment. (Received: hi...)"
	if frames[0].Data.Content != want {
		t.Fatalf("unexpected fallback body: %q", frames[0].Data.Content)
	}
}

func TestProcessVoiceAcceptedEmitsTextThenVoice(t *testing.T) {
	st := &fakeStore{}
	p := newTestProcessor(st, &fakeMedia{}, &fakeLLM{})

	rec := &chatmodel.Record{Kind: chatmodel.MessageVoice, ClientID: "c1", Filename: "a.mp3", BinaryContent: []byte("x"), IsAccepted: true}
	frames := p.Process(context.Background(), rec)

	if len(frames) != 2 {
		t.Fatalf("expected text then voice reply, got %d", len(frames))
	}
	if frames[0].Data.ReplyType != "text" {
		t.Fatalf("expected first reply to be text, got %q", frames[0].Data.ReplyType)
	}
	if frames[1].Data.ReplyType != "voice" || frames[1].Data.Content != staticVoiceReplyPath {
		t.Fatalf("expected second reply to be the static voice reply, got %+v", frames[1])
	}
	if len(st.messages) != 1 || len(st.replies) != 2 {
		t.Fatalf("expected one message and two replies persisted, got %d/%d", len(st.messages), len(st.replies))
	}
}

func TestProcessVideoAcceptedEmitsTextVoiceImage(t *testing.T) {
	st := &fakeStore{}
	p := newTestProcessor(st, &fakeMedia{}, &fakeLLM{})

	rec := &chatmodel.Record{Kind: chatmodel.MessageVideo, ClientID: "c1", Filename: "a.mp4", BinaryContent: []byte("x"), IsAccepted: true}
	frames := p.Process(context.Background(), rec)

	if len(frames) != 3 {
		t.Fatalf("expected text, voice, image replies, got %d", len(frames))
	}
	if frames[1].Data.Content != staticVoiceReplyPath || frames[2].Data.Content != staticImageReplyPath {
		t.Fatalf("unexpected media reply ordering: %+v", frames)
	}
}

func TestProcessRateLimitedShortCircuits(t *testing.T) {
	st := &fakeStore{}
	llm := &fakeLLM{status: llmclient.Status{RateLimited: true, SecondsRemaining: 1500}}
	p := newTestProcessor(st, &fakeMedia{}, llm)

	rec := &chatmodel.Record{Kind: chatmodel.MessageText, ClientID: "c1", Content: "hi", IsAccepted: true}
	frames := p.Process(context.Background(), rec)

	if len(frames) != 1 {
		t.Fatalf("expected exactly one reply, got %d", len(frames))
	}
	want := "System is currently busy. Please try again in 26 minutes. (Original message: hi...)"
	if frames[0].Data.Content != want {
		t.Fatalf("unexpected rate-limited reply: %q", frames[0].Data.Content)
	}
}

func TestProcessMediaSaveFailureReturnsSyntheticError(t *testing.T) {
	st := &fakeStore{}
	p := newTestProcessor(st, &fakeMedia{failNext: true}, &fakeLLM{})

	rec := &chatmodel.Record{Kind: chatmodel.MessageImage, ClientID: "c1", Filename: "a.png", BinaryContent: []byte("x"), IsAccepted: true}
	frames := p.Process(context.Background(), rec)

	if len(frames) != 1 {
		t.Fatalf("expected one synthetic error reply, got %d", len(frames))
	}
	if frames[0].Type != "message" || frames[0].Data.ReplyType != "text" {
		t.Fatalf("unexpected synthetic error frame shape: %+v", frames[0])
	}
	if len(st.messages) != 0 {
		t.Fatal("expected no message to be persisted when media save fails before insert")
	}
}

func TestSimulateLatencyRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	simulateLatency(ctx, chatmodel.MessageImage)
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("expected simulateLatency to return promptly when ctx is already cancelled")
	}
}
