package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"webcal://example.com/cal.ics":   "https://example.com/cal.ics",
		"webcals://example.com/cal.ics":  "https://example.com/cal.ics",
		"https://example.com/cal.ics":    "https://example.com/cal.ics",
		"http://example.com/feed/me.ics": "http://example.com/feed/me.ics",
	}

	for in, want := range cases {
		if got := NormalizeAddress(in); got != want {
			t.Errorf("NormalizeAddress(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFetch(t *testing.T) {
	ctx := context.Background()

	t.Run("returns feed body on success", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n"))
		}))
		defer srv.Close()

		f := &Fetcher{client: srv.Client()}

		body, err := f.Fetch(ctx, srv.URL)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !strings.Contains(body, "BEGIN:VCALENDAR") {
			t.Errorf("unexpected body: %q", body)
		}
	})

	t.Run("non-2xx status is a network error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		f := &Fetcher{client: srv.Client()}

		_, err := f.Fetch(ctx, srv.URL)
		if err == nil {
			t.Fatal("expected error, got nil")
		}

		var netErr *NetworkError
		if !errors.As(err, &netErr) {
			t.Fatalf("expected *NetworkError, got %T: %v", err, err)
		}
		if !strings.Contains(netErr.Error(), "500") {
			t.Errorf("expected status in message, got %q", netErr.Error())
		}
	})

	t.Run("timeout is a network error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(500 * time.Millisecond)
		}))
		defer srv.Close()

		f := &Fetcher{client: &http.Client{Timeout: 50 * time.Millisecond}}

		_, err := f.Fetch(ctx, srv.URL)
		if err == nil {
			t.Fatal("expected error, got nil")
		}

		var netErr *NetworkError
		if !errors.As(err, &netErr) {
			t.Fatalf("expected *NetworkError, got %T: %v", err, err)
		}
	})

	t.Run("connection refusal is a network error", func(t *testing.T) {
		f := NewFetcher()

		_, err := f.Fetch(ctx, "http://127.0.0.1:1/cal.ics")
		if err == nil {
			t.Fatal("expected error, got nil")
		}

		var netErr *NetworkError
		if !errors.As(err, &netErr) {
			t.Fatalf("expected *NetworkError, got %T: %v", err, err)
		}
	})
}
