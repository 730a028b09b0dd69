// Package pagination implements the two paging styles the API exposes:
// opaque keyset cursors for the event log and page/per_page parameters for
// the admin listings.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor marks a cursor token the server never issued.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor names the last row a client has seen, by (created_at, id).
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode packs the key into an opaque URL-safe token.
func Encode(createdAt time.Time, id string) string {
	raw := strconv.FormatInt(createdAt.UnixNano(), 10) + ":" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode unpacks a token produced by Encode. An empty token decodes to nil,
// meaning "from the top".
func Decode(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	ts, id, ok := strings.Cut(string(raw), ":")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: id}, nil
}

// ComputePage trims a limit+1 fetch down to one page. The extra row only
// proves more rows exist; the returned cursor names the last row actually
// included so the next fetch resumes after it.
func ComputePage[T any](items []T, limit int, key func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	page := items[:limit:limit]
	createdAt, id := key(page[limit-1])
	return page, Encode(createdAt, id), true
}
