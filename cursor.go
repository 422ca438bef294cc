package waitpoint

import (
	"encoding/base64"
	"strconv"
	"strings"
	"time"
)

// Cursor marks a position in the (CreatedAt desc, ID desc) ordering.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

func cursorFor(tok *Token) string {
	if tok == nil {
		return ""
	}
	return Cursor{CreatedAt: tok.CreatedAt, ID: tok.ID}.Encode()
}

// Encode renders the cursor as an opaque base64url string.
func (c Cursor) Encode() string {
	raw := strconv.FormatInt(c.CreatedAt.UTC().UnixNano(), 10) + "|" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a cursor produced by Encode.
func DecodeCursor(value string) (*Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return nil, invalidInput("invalid cursor", map[string]any{"cursor": value})
	}
	stamp, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, invalidInput("invalid cursor", map[string]any{"cursor": value})
	}
	nanos, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return nil, invalidInput("invalid cursor", map[string]any{"cursor": value})
	}
	return &Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: id}, nil
}

// newerThan reports whether the cursor sorts before tok, so tok belongs to the
// page after the cursor.
func (c *Cursor) newerThan(tok *Token) bool {
	if !c.CreatedAt.Equal(tok.CreatedAt) {
		return c.CreatedAt.After(tok.CreatedAt)
	}
	return c.ID > tok.ID
}

func (c *Cursor) olderThan(tok *Token) bool {
	if !c.CreatedAt.Equal(tok.CreatedAt) {
		return c.CreatedAt.Before(tok.CreatedAt)
	}
	return c.ID < tok.ID
}
