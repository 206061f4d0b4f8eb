// Package eventlog is the append-only event log and the single source of
// truth for what happened. Sequence numbers are assigned here and nowhere
// else; any other counter that disagrees with the log is a bug, not a tie.
// Each event is hash-chained over its RFC 8785 canonical JSON form so a run's
// history can be verified after the fact.
package eventlog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
)

// Event is one immutable log record. Payload holds the normalized action
// parameters, outcome, and resource deltas.
type Event struct {
	Sequence    int64          `json:"sequence"`
	Timestamp   time.Time      `json:"timestamp"`
	Type        string         `json:"event_type"`
	Actor       string         `json:"actor,omitempty"`
	Payload     map[string]any `json:"payload"`
	PayloadHash string         `json:"payload_hash"`
	PrevHash    string         `json:"prev_hash"`
}

// Sink receives every appended event, in order.
type Sink interface {
	Write(Event) error
	Close() error
}

// Log is the in-memory canonical log plus any durable sinks.
type Log struct {
	mu       sync.Mutex
	events   []Event
	sinks    []Sink
	lastHash string
	now      func() time.Time
}

// New creates a log writing through to the given sinks.
func New(sinks ...Sink) *Log {
	return &Log{sinks: sinks, now: time.Now}
}

// SetClock replaces the time source. Test hook.
func (l *Log) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// chainHash canonicalizes the event's identifying fields and hashes them.
// The previous hash is part of the digest, which is what makes it a chain.
func chainHash(seq int64, ts time.Time, eventType, actor string, payload map[string]any, prevHash string) (string, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	doc := map[string]any{
		"sequence":   seq,
		"timestamp":  ts.UTC().Format(time.RFC3339Nano),
		"event_type": eventType,
		"actor":      actor,
		"payload":    payload,
		"prev_hash":  prevHash,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("eventlog: marshal: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("eventlog: canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Append assigns the next sequence number, hashes, stores, and fans out to
// sinks. Any failure here is a hole in history; callers must treat it as
// fatal, not retriable.
func (l *Log) Append(eventType, actor string, payload map[string]any) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := int64(len(l.events)) + 1
	ts := l.now()
	hash, err := chainHash(seq, ts, eventType, actor, payload, l.lastHash)
	if err != nil {
		return 0, err
	}
	ev := Event{
		Sequence:    seq,
		Timestamp:   ts,
		Type:        eventType,
		Actor:       actor,
		Payload:     payload,
		PayloadHash: hash,
		PrevHash:    l.lastHash,
	}
	for _, sink := range l.sinks {
		if err := sink.Write(ev); err != nil {
			return 0, fmt.Errorf("eventlog: sink write at seq %d: %w", seq, err)
		}
	}
	l.events = append(l.events, ev)
	l.lastHash = hash
	return seq, nil
}

// Len returns the current sequence high-water mark.
func (l *Log) Len() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.events))
}

// Recent returns up to n most recent events, oldest first.
func (l *Log) Recent(n int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 {
		return nil
	}
	start := len(l.events) - n
	if start < 0 {
		start = 0
	}
	out := make([]Event, len(l.events)-start)
	copy(out, l.events[start:])
	return out
}

// Slice returns events[offset:offset+limit] in log order.
func (l *Log) Slice(offset, limit int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if offset < 0 || limit <= 0 || offset >= len(l.events) {
		return nil
	}
	end := offset + limit
	if end > len(l.events) {
		end = len(l.events)
	}
	out := make([]Event, end-offset)
	copy(out, l.events[offset:end])
	return out
}

// CountType counts events with the given type.
func (l *Log) CountType(eventType string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	for _, ev := range l.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

// VerifyChain recomputes every hash and link. A nil return means the whole
// history is intact.
func (l *Log) VerifyChain() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev := ""
	for i, ev := range l.events {
		if ev.Sequence != int64(i)+1 {
			return fmt.Errorf("eventlog: sequence gap at index %d: got %d", i, ev.Sequence)
		}
		if ev.PrevHash != prev {
			return fmt.Errorf("eventlog: broken link at seq %d", ev.Sequence)
		}
		want, err := chainHash(ev.Sequence, ev.Timestamp, ev.Type, ev.Actor, ev.Payload, ev.PrevHash)
		if err != nil {
			return err
		}
		if ev.PayloadHash != want {
			return fmt.Errorf("eventlog: hash mismatch at seq %d", ev.Sequence)
		}
		prev = ev.PayloadHash
	}
	return nil
}

// Close closes all sinks.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for _, sink := range l.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
