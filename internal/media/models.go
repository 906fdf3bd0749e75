// Package media defines the shared schema for captured protocol photos:
// item states, derivative renditions, and the recoverable draft record.
package media

import (
	"strings"
	"time"
)

// ItemState represents the lifecycle of one captured photo within a draft.
type ItemState string

const (
	StatePending    ItemState = "pending"
	StateProcessing ItemState = "processing"
	StateUploaded   ItemState = "uploaded"
	StateFailed     ItemState = "failed"
)

var allStates = []ItemState{
	StatePending,
	StateProcessing,
	StateUploaded,
	StateFailed,
}

var stateSet = func() map[ItemState]struct{} {
	set := make(map[ItemState]struct{}, len(allStates))
	for _, state := range allStates {
		set[state] = struct{}{}
	}
	return set
}()

// legalTransitions encodes the item state machine. Uploaded is terminal;
// failed may only return to pending (manual retry).
var legalTransitions = map[ItemState][]ItemState{
	StatePending:    {StateProcessing, StateFailed},
	StateProcessing: {StateUploaded, StateFailed, StatePending},
	StateFailed:     {StatePending},
	StateUploaded:   {},
}

// ParseState converts a string into a known ItemState.
func ParseState(value string) (ItemState, bool) {
	normalized := ItemState(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	if _, ok := stateSet[normalized]; !ok {
		return "", false
	}
	return normalized, true
}

// CanTransition reports whether moving from one state to another is legal.
// A no-op transition to the current state is always allowed.
func CanTransition(from, to ItemState) bool {
	if from == to {
		return true
	}
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AllStates returns the ordered list of known item states.
func AllStates() []ItemState {
	cp := make([]ItemState, len(allStates))
	copy(cp, allStates)
	return cp
}

// Item is one captured photo within a protocol draft.
type Item struct {
	ID         string
	State      ItemState
	Attempts   int
	SourceSize int64
	CreatedAt  time.Time
}

// Rendition is one derivative output of a captured photo.
type Rendition struct {
	Bytes    []byte
	Width    int
	Height   int
	MimeKind string
}

// DerivativeSet is the output of encoding one captured photo. The two
// renditions are produced from a single decode but are otherwise
// independent: one may be present while the other failed.
type DerivativeSet struct {
	Gallery      *Rendition
	Document     *Rendition
	OriginalSize int64
	CapturedAt   time.Time
	Latitude     *float64
	Longitude    *float64
}

// Draft is the recoverable record of an in-progress multi-photo capture
// session for one handover or return protocol.
type Draft struct {
	ProtocolID     string
	TotalCount     int
	UploadedCount  int
	Items          []Item
	LastModifiedAt time.Time
}

// Complete reports whether every expected photo has been uploaded.
func (d Draft) Complete() bool {
	return d.TotalCount > 0 && d.UploadedCount >= d.TotalCount
}

// Recoverable reports whether the draft should be offered for recovery.
func (d Draft) Recoverable() bool {
	return !d.Complete()
}
