// Package search implements structured, full-text and regex queries over the
// event store, plus facet enumeration and streaming CSV export.
package search

import (
	"encoding/base64"
	"encoding/json"
	"errors"
)

// Sentinel errors returned to API callers as structured client errors.
var (
	ErrBadRegex  = errors.New("invalid regular expression")
	ErrBadLevel  = errors.New("unknown level in filter")
	ErrBadCursor = errors.New("malformed pagination cursor")
	ErrTimeout   = errors.New("search deadline exceeded")
)

// cursorToken is the opaque keyset position: the last row of the previous
// page in (timestamp DESC, id DESC) order.
type cursorToken struct {
	TS int64 `json:"ts"` // unix millis
	ID int64 `json:"id"`
}

func encodeCursor(ts, id int64) string {
	blob, _ := json.Marshal(cursorToken{TS: ts, ID: id})
	return base64.RawURLEncoding.EncodeToString(blob)
}

func decodeCursor(s string) (cursorToken, error) {
	var tok cursorToken
	blob, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return tok, ErrBadCursor
	}
	if err := json.Unmarshal(blob, &tok); err != nil || tok.ID < 0 {
		return tok, ErrBadCursor
	}
	return tok, nil
}
