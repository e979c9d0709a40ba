// Package change defines the typed create/update/delete events that flow
// from providers into caches. Every event carries a Local/Remote origin tag:
// the same pipe that delivers external updates also carries the UI's own
// writes back, and origin is how a consumer tells the two apart.
package change

import (
	"encoding/json"
)

// Source distinguishes a change that originated from this process's own
// operation execution from one observed from an external provider. It is the
// only safe signal a UI has to suppress echo of its own writes.
type Source int

const (
	SourceLocal Source = iota
	SourceRemote
)

func (s Source) String() string {
	if s == SourceLocal {
		return "local"
	}
	return "remote"
}

// Origin tags a Change with where it came from and, for local changes, which
// operation produced it (so a UI can match an optimistic update to its own
// write) and a trace id for cross-component correlation.
type Origin struct {
	Source      Source
	OperationID string
	TraceID     string
}

// Local builds a Local origin carrying the id of the operation that produced
// the change.
func Local(operationID, traceID string) Origin {
	return Origin{Source: SourceLocal, OperationID: operationID, TraceID: traceID}
}

// Remote builds a Remote origin.
func Remote(operationID, traceID string) Origin {
	return Origin{Source: SourceRemote, OperationID: operationID, TraceID: traceID}
}

func (o Origin) IsLocal() bool { return o.Source == SourceLocal }

// originJSON is the wire shape written to the hidden _change_origin column:
// a readable string tag rather than Source's raw int value.
type originJSON struct {
	Source      string `json:"source"`
	OperationID string `json:"operation_id,omitempty"`
	TraceID     string `json:"trace_id,omitempty"`
}

// MarshalJSON implements json.Marshaler, rendering Source as "local"/"remote".
func (o Origin) MarshalJSON() ([]byte, error) {
	return json.Marshal(originJSON{
		Source:      o.Source.String(),
		OperationID: o.OperationID,
		TraceID:     o.TraceID,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (o *Origin) UnmarshalJSON(b []byte) error {
	var raw originJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	src := SourceRemote
	if raw.Source == "local" {
		src = SourceLocal
	}
	o.Source = src
	o.OperationID = raw.OperationID
	o.TraceID = raw.TraceID
	return nil
}

// Kind tags which variant of Change<T> a value holds.
type Kind int

const (
	KindCreated Kind = iota
	KindUpdated
	KindDeleted
)

// Change is a typed, origin-tagged create/update/delete event for one entity
// of type T.
type Change[T any] struct {
	Kind   Kind
	ID     string // set for Updated and Deleted; Created derives it from Data
	Data   T      // set for Created and Updated
	Origin Origin
}

// Created builds a Created change.
func Created[T any](data T, origin Origin) Change[T] {
	return Change[T]{Kind: KindCreated, Data: data, Origin: origin}
}

// Updated builds an Updated change.
func Updated[T any](id string, data T, origin Origin) Change[T] {
	return Change[T]{Kind: KindUpdated, ID: id, Data: data, Origin: origin}
}

// Deleted builds a Deleted change.
func Deleted[T any](id string, origin Origin) Change[T] {
	return Change[T]{Kind: KindDeleted, ID: id, Origin: origin}
}

// Position is an opaque cursor into a provider's change history.
// Beginning means "emit all current entities as Created, then stream
// subsequent changes"; a Version cursor means "stream changes after this
// point only". Positions are opaque to the cache; it never compares them.
type Position struct {
	isVersion bool
	version   []byte
}

// Beginning is the zero value of Position.
var Beginning = Position{}

// Version wraps an opaque provider-supplied cursor.
func Version(v []byte) Position {
	return Position{isVersion: true, version: v}
}

func (p Position) IsBeginning() bool { return !p.isVersion }

// Bytes returns the opaque version bytes; ok is false for Beginning.
func (p Position) Bytes() ([]byte, bool) {
	if !p.isVersion {
		return nil, false
	}
	return p.version, true
}

// Encode serializes a Position the way sync_states.sync_token stores it:
// "*" for Beginning, otherwise the raw bytes of the version as a string.
func (p Position) Encode() string {
	if !p.isVersion {
		return "*"
	}
	return string(p.version)
}

// DecodePosition is the inverse of Encode.
func DecodePosition(token string) Position {
	if token == "*" || token == "" {
		return Beginning
	}
	return Version([]byte(token))
}

// BatchMetadata carries a per-batch sync token and optional trace context, for
// providers that need to advance their token atomically with a group of
// changes.
type BatchMetadata struct {
	SyncToken string
	TraceID   string
}

// WithMetadata wraps a batch of changes with metadata that must advance
// together, e.g. the slot position reached after applying this batch.
type WithMetadata[T any] struct {
	Changes  []Change[T]
	Metadata BatchMetadata
}
