// Package source fetches tickets from an issue tracker.
//
// GitHub issues are mapped onto the ticket model: labels decide the
// priority, the assignee becomes the owner and the issue body the
// description. Every fetched record goes through the validator and any
// repairable problems (oversized or empty text) are fixed before the
// ticket is handed out. Problems that cannot be repaired are left for the
// caller to reject on.
package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fyrsmithlabs/triage/internal/config"
	"github.com/fyrsmithlabs/triage/internal/ticket"
	"github.com/fyrsmithlabs/triage/internal/validation"
	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	// Unassigned is the owner of issues without an assignee.
	Unassigned = "Unassigned"

	defaultLimit = 10
	maxPerPage   = 100
)

var (
	// ErrNotFound is returned when the tracker has no such ticket.
	ErrNotFound = errors.New("ticket not found")

	// ErrInvalidRepo is returned for a repository not in owner/name form.
	ErrInvalidRepo = errors.New("repository must be owner/name")
)

// Config configures the GitHub source.
type Config struct {
	Repo    string
	Token   config.Secret
	BaseURL string
	State   string
	Retry   RetryConfig
}

// GitHub reads issues of one repository.
type GitHub struct {
	client    *github.Client
	owner     string
	repo      string
	state     string
	retry     RetryConfig
	validator *validation.Validator
	logger    *zap.Logger
}

// NewGitHub creates a GitHub source. Without a token the client is
// anonymous and subject to the public rate limit.
func NewGitHub(ctx context.Context, cfg Config, v *validation.Validator, logger *zap.Logger) (*GitHub, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if v == nil {
		v = validation.New(logger)
	}
	owner, repo, ok := strings.Cut(cfg.Repo, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRepo, cfg.Repo)
	}

	var hc *http.Client
	if cfg.Token.IsSet() {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token.Value()})
		hc = oauth2.NewClient(ctx, ts)
	}
	client := github.NewClient(hc)
	if cfg.BaseURL != "" {
		base := cfg.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("parse github base url: %w", err)
		}
		client.BaseURL = u
	}

	state := cfg.State
	if state == "" {
		state = "open"
	}
	return &GitHub{
		client:    client,
		owner:     owner,
		repo:      repo,
		state:     state,
		retry:     cfg.Retry,
		validator: v,
		logger:    logger,
	}, nil
}

// Repo returns the repository in owner/name form.
func (g *GitHub) Repo() string { return g.owner + "/" + g.repo }

// Get fetches issue n.
func (g *GitHub) Get(ctx context.Context, n int) (ticket.Ticket, error) {
	var issue *github.Issue
	resp, err := withRetry(ctx, g.retry, g.logger, func() (*github.Response, error) {
		var (
			resp *github.Response
			err  error
		)
		issue, resp, err = g.client.Issues.Get(ctx, g.owner, g.repo, n)
		return resp, err
	})
	if err != nil {
		if statusCode(resp) == http.StatusNotFound {
			return ticket.Ticket{}, fmt.Errorf("%w: #%d in %s", ErrNotFound, n, g.Repo())
		}
		return ticket.Ticket{}, fmt.Errorf("fetch issue #%d: %w", n, err)
	}
	g.logger.Info("fetched ticket", zap.Int("ticket_number", n), zap.String("repo", g.Repo()))
	return g.toTicket(issue), nil
}

// List fetches up to limit of the most recently created issues. Pull
// requests are skipped.
func (g *GitHub) List(ctx context.Context, limit int) ([]ticket.Ticket, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	opts := &github.IssueListByRepoOptions{
		State:       g.state,
		Sort:        "created",
		Direction:   "desc",
		ListOptions: github.ListOptions{PerPage: min(limit, maxPerPage)},
	}

	out := make([]ticket.Ticket, 0, limit)
	for len(out) < limit {
		var issues []*github.Issue
		resp, err := withRetry(ctx, g.retry, g.logger, func() (*github.Response, error) {
			var (
				resp *github.Response
				err  error
			)
			issues, resp, err = g.client.Issues.ListByRepo(ctx, g.owner, g.repo, opts)
			return resp, err
		})
		if err != nil {
			return nil, fmt.Errorf("list issues of %s: %w", g.Repo(), err)
		}
		for _, issue := range issues {
			if issue.IsPullRequest() {
				continue
			}
			out = append(out, g.toTicket(issue))
			if len(out) == limit {
				break
			}
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	g.logger.Info("fetched tickets", zap.Int("count", len(out)), zap.String("repo", g.Repo()))
	return out, nil
}

// toTicket maps an issue onto a ticket and repairs what can be repaired.
func (g *GitHub) toTicket(issue *github.Issue) ticket.Ticket {
	labels := make([]string, 0, len(issue.Labels))
	for _, l := range issue.Labels {
		labels = append(labels, l.GetName())
	}
	owner := Unassigned
	if issue.Assignee != nil && issue.Assignee.GetLogin() != "" {
		owner = issue.Assignee.GetLogin()
	}

	rec := ticket.Record{
		ticket.FieldNumber:        issue.GetNumber(),
		ticket.FieldTitle:         issue.GetTitle(),
		ticket.FieldDescription:   issue.GetBody(),
		ticket.FieldPriority:      string(ticket.PriorityFromLabels(labels)),
		ticket.FieldOwner:         owner,
		ticket.FieldCreatedTime:   formatTime(issue.CreatedAt),
		ticket.FieldState:         issue.GetState(),
		ticket.FieldLabels:        labels,
		ticket.FieldCommentsCount: issue.GetComments(),
		ticket.FieldURL:           issue.GetHTMLURL(),
	}
	if ts := formatTime(issue.UpdatedAt); ts != "" {
		rec[ticket.FieldUpdatedTime] = ts
	}

	if ok, errs := g.validator.Validate(rec); !ok {
		// A ticket seen before is still returned; the duplicate is the
		// caller's decision.
		if fixable := errs.Without(validation.CodeDuplicateRequest); len(fixable) > 0 {
			g.logger.Info("repairing fetched ticket",
				zap.Int("ticket_number", issue.GetNumber()),
				zap.Int("warnings", len(fixable)),
				zap.Strings("fields", fixable.Fields()))
			rec = g.validator.Repair(rec, fixable)
		}
	}
	return ticket.FromRecord(rec)
}

func formatTime(ts *github.Timestamp) string {
	if ts == nil || ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339)
}
