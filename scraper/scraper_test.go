package scraper

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const friendsPageFixture = `<!DOCTYPE html>
<html><head><title>朋友 - iCity</title></head><body>
<ul class="activities">
  <li class="activity-item">
    <a class="user-link" href="/u/ming"><strong>小明</strong> <span class="username">@ming</span></a>
    <div class="activity-content">今天 去了趟
      外滩</div>
    <span class="location">上海</span>
    <a class="time-link" href="/a/abc123" title="2026-08-30 10:00">3 小时前</a>
  </li>
  <li class="activity-item">
    <a class="user-link" href="/u/hong"><strong>小红</strong></a>
    <div class="activity-content">读完了一本书</div>
    <a class="time-link" href="/a/def456">昨天</a>
  </li>
  <li class="activity-item">
    <a class="time-link" href="/a/abc123">duplicate entry</a>
  </li>
  <li class="activity-item">
    <a href="/u/someone">no activity link here</a>
  </li>
</ul>
</body></html>`

func TestParseEntries(t *testing.T) {
	entries, err := ParseEntries(friendsPageFixture, "https://icity.ly")
	if err != nil {
		t.Fatalf("ParseEntries() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2 (duplicate and linkless items skipped)", len(entries))
	}

	first := entries[0]
	if first.ID != "abc123" {
		t.Errorf("ID = %q, want abc123", first.ID)
	}
	if first.URL != "https://icity.ly/a/abc123" {
		t.Errorf("URL = %q, want resolved absolute URL", first.URL)
	}
	if first.AuthorName != "小明" || first.AuthorUsername != "@ming" {
		t.Errorf("author = %q/%q, want 小明/@ming", first.AuthorName, first.AuthorUsername)
	}
	if first.Location != "上海" {
		t.Errorf("location = %q, want 上海", first.Location)
	}

	second := entries[1]
	if second.ID != "def456" || second.AuthorName != "小红" {
		t.Errorf("second entry = %+v", second)
	}
	if second.AuthorUsername != "" {
		t.Errorf("second entry username = %q, want empty", second.AuthorUsername)
	}
}

func TestParseEntriesFallbackSweep(t *testing.T) {
	// No activity-item structure at all, but activity links exist.
	html := `<html><body>
	  <div><a href="/a/xyz789">some activity</a></div>
	  <div><a href="/about">about</a></div>
	</body></html>`

	entries, err := ParseEntries(html, "https://icity.ly")
	if err != nil {
		t.Fatalf("ParseEntries() error = %v", err)
	}
	if len(entries) != 1 || entries[0].ID != "xyz789" {
		t.Errorf("fallback entries = %+v, want single xyz789", entries)
	}
}

func TestParseEntriesNoEntriesIsError(t *testing.T) {
	if _, err := ParseEntries("<html><body><p>nothing here</p></body></html>", "https://icity.ly"); err == nil {
		t.Error("expected error when no entries can be extracted")
	}
}

func TestExtractActivityID(t *testing.T) {
	tests := []struct {
		name string
		href string
		want string
	}{
		{name: "plain", href: "/a/abc123", want: "abc123"},
		{name: "absolute", href: "https://icity.ly/a/abc123", want: "abc123"},
		{name: "query suffix", href: "/a/abc123?ref=feed", want: "abc123"},
		{name: "fragment suffix", href: "/a/abc123#comments", want: "abc123"},
		{name: "not an activity", href: "/u/ming", want: ""},
		{name: "empty", href: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractActivityID(tt.href); got != tt.want {
				t.Errorf("ExtractActivityID(%q) = %q, want %q", tt.href, got, tt.want)
			}
		})
	}
}

func TestLooksLikeLoginPage(t *testing.T) {
	tests := []struct {
		name     string
		finalURL string
		html     string
		want     bool
	}{
		{name: "login path", finalURL: "https://icity.ly/login", html: "<html></html>", want: true},
		{name: "password input", finalURL: "https://icity.ly/friends", html: `<input type="password">`, want: true},
		{name: "login link with chinese", finalURL: "https://icity.ly/friends", html: `<a href="/login">登录</a>`, want: true},
		{name: "normal page", finalURL: "https://icity.ly/friends", html: friendsPageFixture, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LooksLikeLoginPage(tt.finalURL, tt.html); got != tt.want {
				t.Errorf("LooksLikeLoginPage(%q) = %v, want %v", tt.finalURL, got, tt.want)
			}
		})
	}
}

func TestFetchSendsCookie(t *testing.T) {
	var gotCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCookie = r.Header.Get("Cookie")
		if _, err := io.WriteString(w, friendsPageFixture); err != nil {
			t.Errorf("write fixture: %v", err)
		}
	}))
	defer srv.Close()

	s := New(srv.Client(), srv.URL, srv.URL, "session=secret", testLogger())
	entries, err := s.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if gotCookie != "session=secret" {
		t.Errorf("cookie header = %q, want session=secret", gotCookie)
	}
	if len(entries) != 2 {
		t.Errorf("got %d entries, want 2", len(entries))
	}
}

func TestFetchAuthStatusIsFatal(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests} {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			w.WriteHeader(status)
		}))

		s := New(srv.Client(), srv.URL, srv.URL, "session=dead", testLogger())
		_, err := s.Fetch(context.Background())
		if !IsAuthError(err) {
			t.Errorf("HTTP %d: expected AuthError, got %v", status, err)
		}
		if calls.Load() != 1 {
			t.Errorf("HTTP %d: fetched %d times, want 1 (no retry on auth failure)", status, calls.Load())
		}
		srv.Close()
	}
}

func TestFetchLoginRedirectIsFatal(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/friends", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/login", http.StatusFound)
	})
	mux.HandleFunc("/login", func(w http.ResponseWriter, _ *http.Request) {
		if _, err := io.WriteString(w, `<form><input type="password"></form>`); err != nil {
			t.Errorf("write login page: %v", err)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := New(srv.Client(), srv.URL+"/friends", srv.URL, "session=dead", testLogger())
	_, err := s.Fetch(context.Background())
	if !IsAuthError(err) {
		t.Errorf("expected AuthError on login redirect, got %v", err)
	}
}

func TestFetchRespectsContextTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	s := New(srv.Client(), srv.URL, srv.URL, "session=x", testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := s.Fetch(ctx); err == nil {
		t.Error("expected error when context deadline is exceeded")
	}
}
