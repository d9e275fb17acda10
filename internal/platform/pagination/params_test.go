package pagination

import (
	"errors"
	"net/url"
	"testing"
)

func TestParseDefaults(t *testing.T) {
	params, err := Parse(url.Values{}, Limits{})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if params.PageSize != DefaultPageSize {
		t.Fatalf("expected default page size %d got %d", DefaultPageSize, params.PageSize)
	}
	if params.PageToken != "" || !params.Cursor.IsZero() {
		t.Fatalf("expected first page, got %#v", params)
	}
}

func TestParsePageSizeClamped(t *testing.T) {
	opts := Limits{Default: 25, Max: 40}
	values := url.Values{}
	values.Set("pageSize", "30")

	params, err := Parse(values, opts)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if params.PageSize != 30 {
		t.Fatalf("expected page size 30 got %d", params.PageSize)
	}

	values.Set("pageSize", "400")
	params, err = Parse(values, opts)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if params.PageSize != opts.Max {
		t.Fatalf("expected page size clamped to %d got %d", opts.Max, params.PageSize)
	}
}

func TestParseInvalidPageSize(t *testing.T) {
	for _, raw := range []string{"abc", "0", "-3"} {
		values := url.Values{}
		values.Set("pageSize", raw)
		if _, err := Parse(values, Limits{}); !errors.Is(err, ErrInvalidPageSize) {
			t.Fatalf("pageSize %q: expected ErrInvalidPageSize, got %v", raw, err)
		}
	}
}

func TestTokenRoundTrip(t *testing.T) {
	cursor := Cursor{AfterCreatedAt: "2025-01-02T03:04:05.000000000Z", AfterID: "ord_01"}
	token, err := EncodeToken(cursor)
	if err != nil {
		t.Fatalf("EncodeToken: %v", err)
	}

	values := url.Values{}
	values.Set("pageToken", token)
	params, err := Parse(values, Limits{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if params.Cursor != cursor {
		t.Fatalf("expected cursor %#v, got %#v", cursor, params.Cursor)
	}
}

func TestParseRejectsMalformedToken(t *testing.T) {
	values := url.Values{}
	values.Set("pageToken", "%%%")
	if _, err := Parse(values, Limits{}); !errors.Is(err, ErrInvalidPageToken) {
		t.Fatalf("expected ErrInvalidPageToken, got %v", err)
	}

	empty, _ := EncodeToken(Cursor{})
	if empty != "" {
		t.Fatalf("expected empty token for zero cursor, got %q", empty)
	}
}
