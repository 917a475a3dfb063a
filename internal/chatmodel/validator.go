package chatmodel

import (
	"encoding/base64"
	"fmt"
	"log"
	"strings"
	"time"
)

// Frame errors returned by Validate. The session handler converts these
// directly into client-visible error frames.
var (
	ErrInvalidType     = fmt.Errorf("invalid message type")
	ErrMissingFilename = fmt.Errorf("filename is required")
	ErrEmptyContent    = fmt.Errorf("message content cannot be empty")
)

// RawFrame is the loosely-typed shape an inbound frame is decoded into
// before classification. It mirrors the dynamic dict the original Python
// validator accepts: a JSON object that may additionally carry a binary
// payload captured out-of-band by the session handler.
type RawFrame struct {
	Type          string
	MessageType   string
	Content       string
	Filename      string
	Timestamp     string
	IsSystem      bool
	BinaryContent []byte
}

// timeWindow describes the half-open local-hour window in which a given
// message kind is accepted.
type timeWindow struct {
	startHour, endHour int
	rejectionMessage   string
}

var windows = map[MessageType]timeWindow{
	MessageText:  {5, 24, "Text messages are only accepted between 5 AM and midnight"},
	MessageVoice: {8, 12, "Voice messages are only accepted between 8 AM and 12 PM"},
	MessageVideo: {20, 24, "Video messages are only accepted between 8 PM and midnight"},
}

// Validate classifies a raw inbound frame and, for content frames, applies
// the time-of-day acceptance policy. It never returns an error for a
// policy rejection — that is represented in the returned Record via
// IsAccepted/StatusMessage, per spec.md §4.1: a rejected record still
// flows through the pipeline.
func Validate(raw RawFrame, clientID, timezone string) (*Record, error) {
	if raw.Type == "system" || raw.Type == "heartbeat" || raw.IsSystem {
		return &Record{Kind: MessageSystem, ClientID: clientID, Timezone: timezone}, nil
	}

	msgType := raw.MessageType
	if msgType == "" {
		msgType = raw.Type
	}
	switch MessageType(msgType) {
	case MessageText, MessageImage, MessageVideo, MessageVoice:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, msgType)
	}
	kind := MessageType(msgType)

	content := raw.Content
	binary := raw.BinaryContent
	filename := raw.Filename

	if IsMediaKind(kind) {
		if strings.TrimSpace(filename) == "" {
			return nil, ErrMissingFilename
		}
		// Content may arrive as raw bytes (the two-frame binary pattern)
		// or as base64 text in a single JSON frame, per spec.md §4.6.
		// Bytes take priority; otherwise decode the textual content.
		if len(binary) == 0 && content != "" {
			decoded, err := base64.StdEncoding.DecodeString(content)
			if err != nil {
				return nil, fmt.Errorf("invalid base64 media content: %w", err)
			}
			binary = decoded
		}
		// The binary payload becomes the record's content; the textual
		// content field is cleared per spec.md §4.1.
		content = ""
	} else if kind == MessageText {
		if strings.TrimSpace(content) == "" {
			return nil, ErrEmptyContent
		}
	}

	ts := parseClientTimestamp(raw.Timestamp)

	accepted, rejectReason := isTimeAllowed(ts, kind, timezone)

	return &Record{
		Kind:            kind,
		ClientID:        clientID,
		Content:         content,
		BinaryContent:   binary,
		Filename:        filename,
		ClientTimestamp: ts,
		Timezone:        timezone,
		IsAccepted:      accepted,
		StatusMessage:   rejectReason,
	}, nil
}

// parseClientTimestamp parses an ISO-8601 timestamp, accepting a trailing
// "Z" as "+00:00". On any failure it falls back to the current wall-clock
// time and logs a warning rather than failing validation.
func parseClientTimestamp(raw string) time.Time {
	if raw == "" {
		return time.Now()
	}
	s := raw
	if strings.HasSuffix(s, "Z") {
		s = strings.TrimSuffix(s, "Z") + "+00:00"
	}
	for _, layout := range []string{"2006-01-02T15:04:05.999999999-07:00", "2006-01-02T15:04:05-07:00", time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	log.Printf("[Validator] WARNING: invalid client_timestamp %q, substituting current time", raw)
	return time.Now()
}

// isTimeAllowed applies the time-of-day policy of spec.md §4.1. "Local
// hours" is the hour field of ts converted to the client's declared
// timezone; if the timezone cannot be resolved, it falls back to the
// machine's local timezone and logs a warning.
func isTimeAllowed(ts time.Time, kind MessageType, timezone string) (bool, string) {
	win, gated := windows[kind]
	if !gated {
		return true, ""
	}

	loc, err := time.LoadLocation(timezone)
	if err != nil {
		log.Printf("[Validator] WARNING: unknown timezone %q, falling back to server local time: %v", timezone, err)
		loc = time.Local
	}
	hour := ts.In(loc).Hour()

	if hour >= win.startHour && hour < win.endHour {
		return true, ""
	}
	return false, win.rejectionMessage
}
