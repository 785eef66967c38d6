package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fyrsmithlabs/triage/internal/validation"
	"github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const issue101 = `{
	"number": 101,
	"title": "Login broken",
	"body": "Users cannot log in",
	"state": "open",
	"labels": [{"name": "bug"}, {"name": "urgent"}],
	"assignee": {"login": "alice"},
	"comments": 3,
	"created_at": "2026-10-16T08:00:00Z",
	"updated_at": "2026-10-16T09:30:00Z",
	"html_url": "https://github.com/acme/helpdesk/issues/101"
}`

var fastRetry = RetryConfig{
	MaxRetries:        2,
	InitialBackoff:    time.Millisecond,
	MaxBackoff:        5 * time.Millisecond,
	BackoffMultiplier: 2,
}

func newTestSource(t *testing.T, mux *http.ServeMux, v *validation.Validator) *GitHub {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	g, err := NewGitHub(context.Background(), Config{
		Repo:    "acme/helpdesk",
		Token:   "test-token",
		BaseURL: srv.URL,
		Retry:   fastRetry,
	}, v, nil)
	require.NoError(t, err)
	return g
}

func TestNewGitHub_InvalidRepo(t *testing.T) {
	for _, repo := range []string{"", "acme", "/x", "acme/", "a/b/c"} {
		_, err := NewGitHub(context.Background(), Config{Repo: repo}, nil, nil)
		assert.ErrorIs(t, err, ErrInvalidRepo, repo)
	}
}

func TestGet_MapsIssue(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/helpdesk/issues/101", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		fmt.Fprint(w, issue101)
	})
	g := newTestSource(t, mux, nil)
	assert.Equal(t, "acme/helpdesk", g.Repo())

	tk, err := g.Get(context.Background(), 101)
	require.NoError(t, err)
	assert.Equal(t, 101, tk.Number)
	assert.Equal(t, "Login broken", tk.Title)
	assert.Equal(t, "Users cannot log in", tk.Description)
	assert.Equal(t, "P1", tk.Priority)
	assert.Equal(t, "alice", tk.Owner)
	assert.Equal(t, "2026-10-16T08:00:00Z", tk.CreatedTime)
	assert.Equal(t, "2026-10-16T09:30:00Z", tk.UpdatedTime)
	assert.Equal(t, []string{"bug", "urgent"}, tk.Labels)
	assert.Equal(t, 3, tk.CommentsCount)
	assert.Equal(t, "https://github.com/acme/helpdesk/issues/101", tk.URL)
}

func TestGet_NotFound(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/helpdesk/issues/7", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message": "Not Found"}`)
	})
	g := newTestSource(t, mux, nil)

	_, err := g.Get(context.Background(), 7)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGet_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/helpdesk/issues/101", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, issue101)
	})
	g := newTestSource(t, mux, nil)

	tk, err := g.Get(context.Background(), 101)
	require.NoError(t, err)
	assert.Equal(t, 101, tk.Number)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGet_RepairsRecord(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/helpdesk/issues/5", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"number": 5, "title": %q, "body": "", "state": "open",
			"created_at": "2026-10-16T08:00:00Z", "labels": [{"name": "minor"}]}`, strings.Repeat("t", 250))
	})
	g := newTestSource(t, mux, nil)

	tk, err := g.Get(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, validation.DefaultDescription, tk.Description)
	assert.Equal(t, strings.Repeat("t", 200)+"...", tk.Title)
	assert.Equal(t, "P4", tk.Priority)
	assert.Equal(t, Unassigned, tk.Owner)
}

func TestGet_DuplicateStillReturned(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/helpdesk/issues/101", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, issue101)
	})
	v := validation.New(zap.NewNop())
	v.MarkProcessed(101)
	g := newTestSource(t, mux, v)

	tk, err := g.Get(context.Background(), 101)
	require.NoError(t, err)
	assert.Equal(t, "Login broken", tk.Title)
}

func TestList_SkipsPullRequestsAndPages(t *testing.T) {
	var srvURL string
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/helpdesk/issues", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "open", q.Get("state"))
		assert.Equal(t, "created", q.Get("sort"))
		assert.Equal(t, "desc", q.Get("direction"))
		if q.Get("page") == "" {
			w.Header().Set("Link", fmt.Sprintf(`<%s/repos/acme/helpdesk/issues?page=2>; rel="next"`, srvURL))
			fmt.Fprint(w, `[
				{"number": 3, "title": "c", "body": "x", "state": "open", "created_at": "2026-10-16T08:00:00Z"},
				{"number": 2, "title": "pr", "body": "x", "state": "open", "created_at": "2026-10-16T08:00:00Z",
				 "pull_request": {"url": "https://api.github.com/repos/acme/helpdesk/pulls/2"}}
			]`)
			return
		}
		fmt.Fprint(w, `[
			{"number": 1, "title": "a", "body": "x", "state": "open", "created_at": "2026-10-16T08:00:00Z"},
			{"number": 0, "title": "z", "body": "x", "state": "open", "created_at": "2026-10-16T08:00:00Z"}
		]`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	srvURL = srv.URL
	g, err := NewGitHub(context.Background(), Config{Repo: "acme/helpdesk", BaseURL: srv.URL, Retry: fastRetry}, nil, nil)
	require.NoError(t, err)

	tickets, err := g.List(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, tickets, 2)
	assert.Equal(t, 3, tickets[0].Number)
	assert.Equal(t, 1, tickets[1].Number)
}

func TestList_Error(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/helpdesk/issues", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"message": "Bad credentials"}`)
	})
	g := newTestSource(t, mux, nil)

	_, err := g.List(context.Background(), 5)
	assert.Error(t, err)
}

func TestRetryConfig_ApplyDefaults(t *testing.T) {
	cfg := RetryConfig{}
	cfg.ApplyDefaults()
	assert.Equal(t, DefaultRetryConfig(), cfg)

	custom := RetryConfig{MaxRetries: 5, InitialBackoff: 2 * time.Second, MaxBackoff: time.Minute, BackoffMultiplier: 3}
	custom.ApplyDefaults()
	assert.Equal(t, 5, custom.MaxRetries)
	assert.Equal(t, 3.0, custom.BackoffMultiplier)
}

func response(code int) *github.Response {
	return &github.Response{Response: &http.Response{StatusCode: code}}
}

func TestWithRetry(t *testing.T) {
	t.Run("exhausts retries", func(t *testing.T) {
		calls := 0
		_, err := withRetry(context.Background(), fastRetry, zap.NewNop(), func() (*github.Response, error) {
			calls++
			return response(http.StatusBadGateway), errors.New("bad gateway")
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "after 2 retries")
		assert.Equal(t, 3, calls)
	})

	t.Run("stops on context cancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		_, err := withRetry(ctx, RetryConfig{MaxRetries: 3, InitialBackoff: time.Hour, MaxBackoff: time.Hour}, zap.NewNop(),
			func() (*github.Response, error) {
				cancel()
				return nil, errors.New("connection reset")
			})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestIsRetryable(t *testing.T) {
	err := errors.New("boom")
	limited := response(http.StatusForbidden)
	limited.Rate.Limit = 5000

	tests := []struct {
		name string
		resp *github.Response
		want bool
	}{
		{"transport error", nil, true},
		{"429", response(http.StatusTooManyRequests), true},
		{"500", response(http.StatusInternalServerError), true},
		{"503", response(http.StatusServiceUnavailable), true},
		{"404", response(http.StatusNotFound), false},
		{"401", response(http.StatusUnauthorized), false},
		{"422", response(http.StatusUnprocessableEntity), false},
		{"plain 403", response(http.StatusForbidden), false},
		{"rate limited 403", limited, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryable(err, tt.resp))
		})
	}
	assert.False(t, isRetryable(nil, response(500)))
}

func TestRateLimitBackoff(t *testing.T) {
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	resp := response(http.StatusTooManyRequests)
	resp.Rate.Limit = 5000
	resp.Rate.Reset = github.Timestamp{Time: now.Add(10 * time.Second)}

	assert.Equal(t, 11*time.Second, rateLimitBackoff(resp, time.Minute, now))
	assert.Equal(t, 5*time.Second, rateLimitBackoff(resp, 5*time.Second, now))
	assert.Equal(t, 30*time.Second, rateLimitBackoff(nil, 30*time.Second, now))
}
