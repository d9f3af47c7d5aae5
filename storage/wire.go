package storage

import (
	"encoding/json"
	"time"
)

// wireVersion is the only envelope version this build understands. A stored
// entry with any other version tag is treated as corrupt (see ErrCorrupt)
// rather than guessed at, so a future incompatible version never gets
// silently misread.
const wireVersion = 1

type wireEntry struct {
	Version   int             `json:"v"`
	Kind      Kind            `json:"k"`
	Payload   json.RawMessage `json:"p"`
	CreatedAt time.Time       `json:"c"`
	UpdatedAt time.Time       `json:"u"`
	TTLHint   time.Duration   `json:"t"`
}

// MarshalBinary serializes e to the versioned JSON envelope the remote
// backend stores. Unknown fields on read are ignored by the Go JSON decoder
// by default, so the envelope is forward-compatible across minor payload
// additions so long as Version does not change.
func (e *Entry) MarshalBinary() ([]byte, error) {
	var payload any
	switch e.Kind {
	case KindGCRA:
		payload = e.GCRA
	case KindTokenBucket:
		payload = e.TokenBucket
	case KindLeakyBucket:
		payload = e.LeakyBucket
	case KindSlidingLog:
		payload = e.SlidingLog
	case KindSlidingWindow:
		payload = e.SlidingWindow
	case KindFixedWindow:
		payload = e.FixedWindow
	case KindConcurrency:
		payload = e.Concurrency
	default:
		return nil, &CorruptError{Reason: "unknown entry kind " + string(e.Kind)}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return json.Marshal(wireEntry{
		Version:   wireVersion,
		Kind:      e.Kind,
		Payload:   raw,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
		TTLHint:   e.TTLHint,
	})
}

// UnmarshalBinary decodes the versioned JSON envelope produced by
// MarshalBinary. An unrecognized version tag or kind yields *CorruptError,
// per the spec's "unknown version tags cause StorageCorrupt" rule.
func (e *Entry) UnmarshalBinary(data []byte) error {
	var w wireEntry
	if err := json.Unmarshal(data, &w); err != nil {
		return &CorruptError{Reason: err.Error()}
	}
	if w.Version != wireVersion {
		return &CorruptError{Reason: "unsupported entry version"}
	}

	e.Kind = w.Kind
	e.CreatedAt = w.CreatedAt
	e.UpdatedAt = w.UpdatedAt
	e.TTLHint = w.TTLHint

	var err error
	switch w.Kind {
	case KindGCRA:
		e.GCRA = &GCRAPayload{}
		err = json.Unmarshal(w.Payload, e.GCRA)
	case KindTokenBucket:
		e.TokenBucket = &TokenBucketPayload{}
		err = json.Unmarshal(w.Payload, e.TokenBucket)
	case KindLeakyBucket:
		e.LeakyBucket = &LeakyBucketPayload{}
		err = json.Unmarshal(w.Payload, e.LeakyBucket)
	case KindSlidingLog:
		e.SlidingLog = &SlidingLogPayload{}
		err = json.Unmarshal(w.Payload, e.SlidingLog)
	case KindSlidingWindow:
		e.SlidingWindow = &SlidingWindowPayload{}
		err = json.Unmarshal(w.Payload, e.SlidingWindow)
	case KindFixedWindow:
		e.FixedWindow = &FixedWindowPayload{}
		err = json.Unmarshal(w.Payload, e.FixedWindow)
	case KindConcurrency:
		e.Concurrency = &ConcurrencyPayload{}
		err = json.Unmarshal(w.Payload, e.Concurrency)
	default:
		return &CorruptError{Reason: "unknown entry kind " + string(w.Kind)}
	}
	if err != nil {
		return &CorruptError{Reason: err.Error()}
	}
	return nil
}
