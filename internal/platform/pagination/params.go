package pagination

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	DefaultPageSize    = 50
	DefaultMaxPageSize = 100
)

var (
	ErrInvalidPageSize  = errors.New("pagination: invalid pageSize")
	ErrInvalidPageToken = errors.New("pagination: invalid pageToken")
)

// Limits bounds pageSize for one listing. Zero fields fall back to the package defaults.
type Limits struct {
	Default int
	Max     int
}

func (l Limits) resolve() (def, ceiling int) {
	def, ceiling = l.Default, l.Max
	if ceiling <= 0 {
		ceiling = DefaultMaxPageSize
	}
	if def <= 0 {
		def = DefaultPageSize
	}
	return min(def, ceiling), ceiling
}

// Params is a validated page request. Cursor is the decoded PageToken.
type Params struct {
	PageSize  int
	PageToken string
	Cursor    Cursor
}

func FromRequest(r *http.Request, limits Limits) (Params, error) {
	if r == nil || r.URL == nil {
		return Params{}, errors.New("pagination: nil request")
	}
	return Parse(r.URL.Query(), limits)
}

// Parse reads pageSize and pageToken. Oversized pages are clamped; non-positive or non-numeric
// sizes and undecodable tokens are rejected.
func Parse(values url.Values, limits Limits) (Params, error) {
	def, ceiling := limits.resolve()

	params := Params{PageSize: def}
	if raw := strings.TrimSpace(values.Get("pageSize")); raw != "" {
		n, err := strconv.Atoi(raw)
		switch {
		case err != nil:
			return Params{}, fmt.Errorf("%w: %q is not a number", ErrInvalidPageSize, raw)
		case n <= 0:
			return Params{}, fmt.Errorf("%w: must be positive", ErrInvalidPageSize)
		}
		params.PageSize = min(n, ceiling)
	}

	if token := strings.TrimSpace(values.Get("pageToken")); token != "" {
		cursor, err := DecodeToken(token)
		if err != nil {
			return Params{}, err
		}
		params.PageToken, params.Cursor = token, cursor
	}
	return params, nil
}
