// Package jira is a Jira Cloud REST v3 client implementing
// collab.IssueTracker.
package jira

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/baja5b/claude-workflow-system/pkg/collab"
	"github.com/baja5b/claude-workflow-system/pkg/storage"
)

const (
	system      = "jira"
	timeLayout  = "2006-01-02T15:04:05.000-0700"
	maxResults  = 50
	issueFields = "summary,description,status,issuetype,priority,created"
)

// ErrNoTransition is returned when the issue's workflow offers no transition
// to the requested status. It matches collab.ErrNoTransition.
var ErrNoTransition = errors.Wrap(collab.ErrNoTransition, "jira")

type Config struct {
	BaseURL  string
	Email    string
	APIToken string
	Project  string
	Timeout  time.Duration
}

type Client struct {
	apiURL  string
	email   string
	token   string
	project string
	http    *http.Client
}

var _ collab.IssueTracker = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" || cfg.Email == "" || cfg.APIToken == "" {
		return nil, errors.New("jira credentials not configured: base url, email and api token are required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		apiURL:  strings.TrimRight(cfg.BaseURL, "/") + "/rest/api/3",
		email:   cfg.Email,
		token:   cfg.APIToken,
		project: cfg.Project,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

// APIError is a non-success answer from Jira.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("jira returned %d: %s", e.Status, e.Body)
}

func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, in, out interface{}) error {
	u := c.apiURL + "/" + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encode jira request")
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return errors.Wrap(err, "build jira request")
	}
	req.SetBasicAuth(c.email, c.token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return collab.Unavailable(system, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return errors.Wrap(storage.ErrNotFound, apiErr.Error())
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return collab.Unavailable(system, apiErr)
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decode jira %s %s", method, endpoint)
	}
	return nil
}

type named struct {
	Name string `json:"name"`
}

type issueResponse struct {
	Key    string `json:"key"`
	Fields struct {
		Summary     string   `json:"summary"`
		Description *adfNode `json:"description"`
		Status      named    `json:"status"`
		IssueType   named    `json:"issuetype"`
		Priority    *named   `json:"priority"`
		Created     string   `json:"created"`
	} `json:"fields"`
}

func (r issueResponse) issue() collab.Issue {
	is := collab.Issue{
		Key:         r.Key,
		Summary:     r.Fields.Summary,
		Description: plainText(r.Fields.Description),
		Status:      r.Fields.Status.Name,
		IssueType:   r.Fields.IssueType.Name,
	}
	if r.Fields.Priority != nil {
		is.Priority = r.Fields.Priority.Name
	}
	if t, err := time.Parse(timeLayout, r.Fields.Created); err == nil {
		is.Created = t
	}
	return is
}

func (c *Client) GetIssue(ctx context.Context, key string) (collab.Issue, error) {
	var resp issueResponse
	err := c.do(ctx, http.MethodGet, "issue/"+url.PathEscape(key), url.Values{"fields": {issueFields}}, nil, &resp)
	if err != nil {
		return collab.Issue{}, errors.Wrapf(err, "get issue %s", key)
	}
	return resp.issue(), nil
}

// statusJQL selects the project's issues in any of the statuses, highest
// priority and oldest first.
func statusJQL(project string, statuses []string) string {
	quoted := make([]string, 0, len(statuses))
	for _, s := range statuses {
		quoted = append(quoted, fmt.Sprintf("%q", s))
	}
	return fmt.Sprintf("project = %q AND status IN (%s) ORDER BY priority DESC, created ASC", project, strings.Join(quoted, ", "))
}

func (c *Client) ListByStatus(ctx context.Context, statuses []string) ([]collab.Issue, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	if c.project == "" {
		return nil, errors.New("jira project key not configured")
	}
	var resp struct {
		Issues []issueResponse `json:"issues"`
	}
	query := url.Values{
		"jql":        {statusJQL(c.project, statuses)},
		"maxResults": {fmt.Sprint(maxResults)},
		"fields":     {issueFields},
	}
	if err := c.do(ctx, http.MethodGet, "search", query, nil, &resp); err != nil {
		return nil, errors.Wrap(err, "search issues")
	}
	issues := make([]collab.Issue, 0, len(resp.Issues))
	for _, r := range resp.Issues {
		issues = append(issues, r.issue())
	}
	return issues, nil
}

func (c *Client) CreateIssue(ctx context.Context, summary, description, issueType string) (string, error) {
	if issueType == "" {
		issueType = "Task"
	}
	fields := map[string]interface{}{
		"project":   map[string]string{"key": c.project},
		"summary":   summary,
		"issuetype": map[string]string{"name": issueType},
	}
	if description != "" {
		fields["description"] = toADF(description)
	}
	var resp struct {
		Key string `json:"key"`
	}
	if err := c.do(ctx, http.MethodPost, "issue", nil, map[string]interface{}{"fields": fields}, &resp); err != nil {
		return "", errors.Wrap(err, "create issue")
	}
	return resp.Key, nil
}

func (c *Client) AddComment(ctx context.Context, key, body string) error {
	err := c.do(ctx, http.MethodPost, "issue/"+url.PathEscape(key)+"/comment", nil, map[string]interface{}{"body": toADF(body)}, nil)
	return errors.Wrapf(err, "comment on %s", key)
}

func (c *Client) Comments(ctx context.Context, key string) ([]collab.Comment, error) {
	var resp struct {
		Comments []struct {
			ID     string `json:"id"`
			Author struct {
				DisplayName string `json:"displayName"`
			} `json:"author"`
			Body    *adfNode `json:"body"`
			Created string   `json:"created"`
		} `json:"comments"`
	}
	if err := c.do(ctx, http.MethodGet, "issue/"+url.PathEscape(key)+"/comment", nil, nil, &resp); err != nil {
		return nil, errors.Wrapf(err, "comments of %s", key)
	}
	comments := make([]collab.Comment, 0, len(resp.Comments))
	for _, r := range resp.Comments {
		cm := collab.Comment{ID: r.ID, Author: r.Author.DisplayName, Body: plainText(r.Body)}
		if t, err := time.Parse(timeLayout, r.Created); err == nil {
			cm.Created = t
		}
		comments = append(comments, cm)
	}
	return comments, nil
}

// Transition moves the issue through the Jira transition whose target
// status or name matches targetStatus, case-insensitively.
func (c *Client) Transition(ctx context.Context, key, targetStatus string) error {
	var resp struct {
		Transitions []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
			To   named  `json:"to"`
		} `json:"transitions"`
	}
	endpoint := "issue/" + url.PathEscape(key) + "/transitions"
	if err := c.do(ctx, http.MethodGet, endpoint, nil, nil, &resp); err != nil {
		return errors.Wrapf(err, "transitions of %s", key)
	}
	for _, t := range resp.Transitions {
		if strings.EqualFold(t.To.Name, targetStatus) || strings.EqualFold(t.Name, targetStatus) {
			body := map[string]interface{}{"transition": map[string]string{"id": t.ID}}
			return errors.Wrapf(c.do(ctx, http.MethodPost, endpoint, nil, body, nil), "transition %s to %s", key, targetStatus)
		}
	}
	return errors.Wrapf(ErrNoTransition, "%s to %q", key, targetStatus)
}
