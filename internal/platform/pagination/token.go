package pagination

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Cursor is a keyset position over (created_at, id). The next page starts strictly after it.
type Cursor struct {
	AfterCreatedAt string `json:"c,omitempty"`
	AfterID        string `json:"i,omitempty"`
}

func (c Cursor) IsZero() bool { return c == Cursor{} }

// EncodeToken returns "" for the zero cursor so the last page carries no nextPageToken.
func EncodeToken(c Cursor) (string, error) {
	if c.IsZero() {
		return "", nil
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("pagination: encode token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeToken accepts only tokens that carry both halves of the sort key.
func DecodeToken(token string) (Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Cursor{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	if c.AfterCreatedAt == "" || c.AfterID == "" {
		return Cursor{}, fmt.Errorf("%w: incomplete cursor", ErrInvalidPageToken)
	}
	return c, nil
}
