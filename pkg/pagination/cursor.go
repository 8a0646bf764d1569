// Package pagination provides keyset cursors for newest-first listings.
// A cursor encodes the (created_at, id) of the last row a client has seen.
package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is a stable position in a (created_at DESC, id DESC) ordering.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode serializes the cursor to an opaque string: base64("ts:{unix_micro}:id:{id}").
func (c Cursor) Encode() string {
	raw := fmt.Sprintf("ts:%d:id:%s", c.CreatedAt.UnixMicro(), c.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an encoded cursor. An empty string yields (nil, nil).
func Decode(encoded string) (*Cursor, error) {
	if encoded == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding", ErrInvalidCursor)
	}
	raw := string(data)
	if !strings.HasPrefix(raw, "ts:") {
		return nil, fmt.Errorf("%w: missing ts prefix", ErrInvalidCursor)
	}
	parts := strings.SplitN(strings.TrimPrefix(raw, "ts:"), ":id:", 2)
	if len(parts) != 2 || parts[1] == "" {
		return nil, fmt.Errorf("%w: missing id segment", ErrInvalidCursor)
	}
	micros, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: timestamp", ErrInvalidCursor)
	}
	return &Cursor{CreatedAt: time.UnixMicro(micros).UTC(), ID: parts[1]}, nil
}

// After reports whether a row at (createdAt, id) comes after c in
// newest-first order, i.e. belongs on the next page.
func (c Cursor) After(createdAt time.Time, id string) bool {
	if createdAt.Equal(c.CreatedAt) {
		return id < c.ID
	}
	return createdAt.Before(c.CreatedAt)
}

// ClampLimit keeps limit within [1, MaxLimit], defaulting non-positive values.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
