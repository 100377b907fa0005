package ics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestFetchOneUsesConditionalRequests(t *testing.T) {
	var hits, conditional atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			conditional.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Content-Type", "text/calendar")
		_, _ = w.Write([]byte(channelFeed))
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir())
	src := Source{ID: "airbnb", UnitID: "u1", URL: srv.URL + "/calendar.ics?token=secret"}

	first, err := f.FetchOne(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	if first.FromCache || string(first.Body) != channelFeed {
		t.Fatalf("first fetch should come from network, FromCache=%v", first.FromCache)
	}

	second, err := f.FetchOne(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	if !second.FromCache || string(second.Body) != channelFeed {
		t.Fatalf("second fetch should reuse cache, FromCache=%v", second.FromCache)
	}
	if hits.Load() != 2 || conditional.Load() != 1 {
		t.Fatalf("hits=%d conditional=%d", hits.Load(), conditional.Load())
	}
}

func TestFetchOneFallsBackToCache(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "upstream down", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(channelFeed))
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir())
	src := Source{ID: "booking", UnitID: "u1", URL: srv.URL}

	if _, err := f.FetchOne(context.Background(), src); err != nil {
		t.Fatal(err)
	}
	fail.Store(true)
	res, err := f.FetchOne(context.Background(), src)
	if err != nil {
		t.Fatalf("expected cached fallback, got %v", err)
	}
	if !res.FromCache {
		t.Fatal("expected FromCache on upstream failure")
	}

	// A feed that never succeeded has nothing to fall back to.
	_, errs := f.FetchAll(context.Background(), []Source{{ID: "other", URL: srv.URL + "/other"}, {ID: "empty"}})
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %v", errs)
	}
}

func TestRedactURL(t *testing.T) {
	cases := map[string]string{
		"https://www.airbnb.com/calendar/ical/123.ics?s=abcdef": "https://www.airbnb.com/...(redacted)",
		"not a url": "ics://...(redacted)",
	}
	for in, want := range cases {
		if got := redactURL(in); got != want {
			t.Fatalf("redactURL(%q) = %q, want %q", in, got, want)
		}
	}
}
