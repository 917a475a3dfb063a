package chatmodel

import "testing"

func TestValidateSystemFrame(t *testing.T) {
	rec, err := Validate(RawFrame{Type: "heartbeat"}, "client-1", "UTC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Kind != MessageSystem {
		t.Fatalf("expected system kind, got %v", rec.Kind)
	}
}

func TestValidateInvalidType(t *testing.T) {
	_, err := Validate(RawFrame{MessageType: "bogus"}, "client-1", "UTC")
	if err == nil {
		t.Fatal("expected error for invalid message type")
	}
}

func TestValidateMediaRequiresFilename(t *testing.T) {
	_, err := Validate(RawFrame{MessageType: "image"}, "client-1", "UTC")
	if err != ErrMissingFilename {
		t.Fatalf("expected ErrMissingFilename, got %v", err)
	}
}

func TestValidateTextRequiresContent(t *testing.T) {
	_, err := Validate(RawFrame{MessageType: "text", Content: "  "}, "client-1", "UTC")
	if err != ErrEmptyContent {
		t.Fatalf("expected ErrEmptyContent, got %v", err)
	}
}

func TestValidateTextAcceptedAtNoon(t *testing.T) {
	rec, err := Validate(RawFrame{
		MessageType: "text",
		Content:     "hi",
		Timestamp:   "2026-07-31T12:00:00Z",
	}, "client-1", "UTC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !rec.IsAccepted {
		t.Fatalf("expected acceptance, got rejection: %s", rec.StatusMessage)
	}
}

func TestValidateTextRejectedAt3AM(t *testing.T) {
	rec, err := Validate(RawFrame{
		MessageType: "text",
		Content:     "hi",
		Timestamp:   "2026-07-31T03:00:00+00:00",
	}, "client-1", "UTC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.IsAccepted {
		t.Fatal("expected rejection at 3 AM local time")
	}
	if rec.StatusMessage != windows[MessageText].rejectionMessage {
		t.Fatalf("unexpected status message: %s", rec.StatusMessage)
	}
}

func TestValidateVoiceAcceptedWindow(t *testing.T) {
	rec, err := Validate(RawFrame{
		MessageType: "voice",
		Filename:    "a.mp3",
		Timestamp:   "2026-07-31T10:00:00Z",
	}, "client-1", "UTC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !rec.IsAccepted {
		t.Fatalf("expected acceptance, got rejection: %s", rec.StatusMessage)
	}
	if rec.Content != "" {
		t.Fatalf("expected content cleared for media kind, got %q", rec.Content)
	}
}

func TestValidateBadTimestampFallsBackToNow(t *testing.T) {
	rec, err := Validate(RawFrame{
		MessageType: "text",
		Content:     "hi",
		Timestamp:   "not-a-timestamp",
	}, "client-1", "UTC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.ClientTimestamp.IsZero() {
		t.Fatal("expected a substituted non-zero timestamp")
	}
}

func TestValidateUnknownTimezoneFallsBack(t *testing.T) {
	rec, err := Validate(RawFrame{
		MessageType: "text",
		Content:     "hi",
		Timestamp:   "2026-07-31T12:00:00Z",
	}, "client-1", "Not/A_Zone")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_ = rec // acceptance depends on host local time; only assert no panic/error occurred.
}
