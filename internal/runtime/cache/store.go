package cache

import (
	"context"
	"time"
)

// Entry is one captured response held by a store backend. Body is kept
// uncompressed; encoding is negotiated per client on the way out.
type Entry struct {
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      []byte            `json:"body"`
	Tags      []string          `json:"tags,omitempty"`
	StoredAt  time.Time         `json:"storedAt"`
	ExpiresAt time.Time         `json:"expiresAt"`
}

// Expired reports whether the entry is past its lifetime at the given instant.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Store is the key/value adapter the response cache engine delegates
// persistence to. Implementations must associate the entry's tags with the
// key at write time so DeleteByTags can purge every member of a tag group.
// Implementations provide their own internal concurrency safety.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, entry Entry) error
	DeleteByTags(ctx context.Context, tags []string) error
	Size(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}

func cloneEntry(in Entry) Entry {
	out := Entry{
		Status:    in.Status,
		StoredAt:  in.StoredAt,
		ExpiresAt: in.ExpiresAt,
	}
	if len(in.Body) > 0 {
		out.Body = make([]byte, len(in.Body))
		copy(out.Body, in.Body)
	}
	if len(in.Headers) > 0 {
		out.Headers = make(map[string]string, len(in.Headers))
		for k, v := range in.Headers {
			out.Headers[k] = v
		}
	}
	if len(in.Tags) > 0 {
		out.Tags = append([]string(nil), in.Tags...)
	}
	return out
}
