// ABOUTME: Incremental decoder for the line-oriented event:/data: chat stream
// ABOUTME: Produces typed Events lazily; malformed frames are skipped, not fatal

package sse

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
)

const (
	// terminatorLiteral ends the stream regardless of the pending event type.
	terminatorLiteral = "[DONE]"

	// defaultEventType applies to data: lines not preceded by an event: line.
	defaultEventType = "message"

	// maxLineSize bounds a single frame line. Token payloads are small, but a
	// source list with long URLs can run to a few hundred KB.
	maxLineSize = 1 << 20
)

// Wire event type names.
const (
	eventTypeMessage     = "message"
	eventTypeSourceList  = "source_list"
	eventTypeSuggestions = "suggestion_list"
)

// Decoder turns a raw response body into an ordered sequence of Events.
// Chunk boundaries in the underlying reader are arbitrary; the decoder only
// cares about complete lines.
type Decoder struct {
	scanner *bufio.Scanner
	pending string // event type set by the last event: line, "" if none
	logger  *slog.Logger
}

// NewDecoder creates a decoder reading frames from r. Pass nil logger for
// the default.
func NewDecoder(r io.Reader, logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)
	return &Decoder{
		scanner: scanner,
		logger:  logger.With("component", "sse"),
	}
}

// Next returns the next decoded event in receipt order. It returns io.EOF
// when the underlying stream ends. Frames with malformed payloads are
// discarded and decoding continues with the following frame.
func (d *Decoder) Next() (*Event, error) {
	for d.scanner.Scan() {
		line := d.scanner.Text()

		// Blank line marks a frame boundary; any pending event type that
		// never got its data line is abandoned.
		if strings.TrimSpace(line) == "" {
			d.pending = ""
			continue
		}

		if name, ok := strings.CutPrefix(line, "event:"); ok {
			d.pending = strings.TrimSpace(name)
			continue
		}

		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			// Comment or unknown field; SSE says ignore.
			continue
		}
		payload = strings.TrimSpace(payload)

		eventType := d.pending
		d.pending = ""
		if eventType == "" {
			eventType = defaultEventType
		}

		// The terminator is a bare literal, not JSON, and wins over whatever
		// event type was announced.
		if payload == terminatorLiteral {
			return &Event{Kind: KindTerminator}, nil
		}

		event, ok := d.decodePayload(eventType, payload)
		if !ok {
			continue
		}
		return event, nil
	}

	if err := d.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// decodePayload parses one data payload for the given event type. Returns
// false when the frame should be skipped (malformed JSON, empty token,
// unknown event type).
func (d *Decoder) decodePayload(eventType, payload string) (*Event, bool) {
	switch eventType {
	case eventTypeMessage:
		text, ok := decodeToken(payload)
		if !ok {
			d.logger.Debug("skipping malformed token frame", "payload_len", len(payload))
			return nil, false
		}
		return &Event{Kind: KindToken, Text: text}, true

	case eventTypeSourceList:
		var body struct {
			Sources []Source `json:"sources"`
		}
		if err := json.Unmarshal([]byte(payload), &body); err != nil {
			d.logger.Debug("skipping malformed source_list frame", "error", err)
			return nil, false
		}
		return &Event{Kind: KindSourceList, Sources: body.Sources}, true

	case eventTypeSuggestions:
		var body struct {
			Suggestions []string `json:"suggestions"`
		}
		if err := json.Unmarshal([]byte(payload), &body); err != nil {
			d.logger.Debug("skipping malformed suggestion_list frame", "error", err)
			return nil, false
		}
		return &Event{Kind: KindSuggestionList, Suggestions: body.Suggestions}, true

	default:
		// Unknown event types are ignored for forward compatibility.
		d.logger.Debug("ignoring unknown event type", "event_type", eventType)
		return nil, false
	}
}

// decodeToken probes both token payload conventions: a flat {"token": "..."}
// field and the nested delta form {"choices":[{"delta":{"content":"..."}}]}.
func decodeToken(payload string) (string, bool) {
	var flat struct {
		Token *string `json:"token"`
	}
	if err := json.Unmarshal([]byte(payload), &flat); err != nil {
		return "", false
	}
	if flat.Token != nil {
		return *flat.Token, true
	}

	var nested struct {
		Choices []struct {
			Delta struct {
				Content *string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(payload), &nested); err != nil {
		return "", false
	}
	if len(nested.Choices) > 0 && nested.Choices[0].Delta.Content != nil {
		return *nested.Choices[0].Delta.Content, true
	}

	// Valid JSON but neither token shape; treat as a frame to skip.
	return "", false
}
