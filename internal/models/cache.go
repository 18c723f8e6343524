package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// CacheState annotates how trustworthy a cached payload is.
type CacheState int

const (
	CacheFresh CacheState = iota
	CacheStale
	CacheOptimistic
)

func (s CacheState) String() string {
	switch s {
	case CacheFresh:
		return "fresh"
	case CacheStale:
		return "stale-but-usable"
	case CacheOptimistic:
		return "optimistic"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s CacheState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *CacheState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "fresh":
		*s = CacheFresh
	case "stale-but-usable":
		*s = CacheStale
	case "optimistic":
		*s = CacheOptimistic
	default:
		return fmt.Errorf("unknown cache state %q", text)
	}
	return nil
}

// CacheEntry is the last-known-good payload for one scope.
type CacheEntry struct {
	ScopeKey ScopeKey        `json:"scope_key"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	CachedAt time.Time       `json:"cached_at"`
	State    CacheState      `json:"state"`

	// Token orders writes to the same scope; older tokens lose.
	Token uint64 `json:"token"`

	// Deleted marks an optimistic tombstone for a queued delete.
	Deleted bool `json:"deleted,omitempty"`
}

// Age returns how long ago the payload was cached.
func (e CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.CachedAt)
}
