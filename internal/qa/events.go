// Package qa runs the answer chain: cache probe, history compression,
// hybrid retrieval, context assembly, streamed generation, citation
// extraction, and refusal detection.
package qa

import (
	"github.com/mnemo-ai/mnemo/internal/kb"
)

// EventType discriminates stream events. Per answer the order is: one
// sources event, zero or more chunks, one highlights event, then exactly
// one done or error. The producer closes the channel.
type EventType string

const (
	EventSources    EventType = "sources"
	EventChunk      EventType = "chunk"
	EventHighlights EventType = "highlights"
	EventDone       EventType = "done"
	EventError      EventType = "error"
)

// Event is one item of the answer stream.
type Event struct {
	Type EventType `json:"type"`

	// Sources carries the retrieved passages (sources event).
	Sources []kb.Hit `json:"sources,omitempty"`

	// Text carries a generation fragment (chunk event).
	Text string `json:"text,omitempty"`

	// Highlights maps passage numbers to citation counts (highlights event).
	Highlights map[int]int `json:"highlights,omitempty"`

	// Answer is the final result (done event).
	Answer *Answer `json:"answer,omitempty"`

	// Err is set on error events.
	Err error `json:"-"`
}

// Answer is the final answer with its provenance.
type Answer struct {
	Text       string      `json:"text"`
	Sources    []kb.Hit    `json:"sources"`
	Highlights map[int]int `json:"highlights"`
	Refused    bool        `json:"refused"`
	FromCache  bool        `json:"from_cache"`
	Degraded   []string    `json:"degraded,omitempty"`
	Reranked   bool        `json:"reranked"`
}
