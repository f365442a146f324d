package jira

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baja5b/claude-workflow-system/pkg/collab"
	"github.com/baja5b/claude-workflow-system/pkg/storage"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL + "/", Email: "bot@example.com", APIToken: "token", Project: "MT"})
	require.NoError(t, err)
	return c
}

func TestNew_RequiresCredentials(t *testing.T) {
	_, err := New(Config{BaseURL: "https://example.atlassian.net"})
	assert.Error(t, err)
}

func TestClient_GetIssue(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "bot@example.com", user)
		assert.Equal(t, "token", pass)
		assert.Equal(t, "/rest/api/3/issue/MT-7", r.URL.Path)
		assert.Contains(t, r.URL.Query().Get("fields"), "status")
		w.Write([]byte(`{
			"key": "MT-7",
			"fields": {
				"summary": "Login page",
				"description": {"type": "doc", "version": 1, "content": [
					{"type": "paragraph", "content": [{"type": "text", "text": "Build the form."}]},
					{"type": "paragraph", "content": [{"type": "text", "text": "Add "}, {"type": "text", "text": "tests."}]}
				]},
				"status": {"name": "Zu erledigen"},
				"issuetype": {"name": "Story"},
				"priority": {"name": "High"},
				"created": "2025-03-01T09:30:00.000+0100"
			}
		}`))
	}))

	issue, err := c.GetIssue(t.Context(), "MT-7")
	require.NoError(t, err)
	assert.Equal(t, "Login page", issue.Summary)
	assert.Equal(t, "Build the form.\nAdd tests.", issue.Description)
	assert.Equal(t, "Zu erledigen", issue.Status)
	assert.Equal(t, "High", issue.Priority)
	assert.Equal(t, 2025, issue.Created.Year())
}

func TestClient_ErrorMapping(t *testing.T) {
	status := http.StatusNotFound
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(`{"errorMessages":["nope"]}`))
	}))

	_, err := c.GetIssue(t.Context(), "MT-404")
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	status = http.StatusBadGateway
	_, err = c.GetIssue(t.Context(), "MT-1")
	assert.True(t, errors.Is(err, collab.ErrCollaboratorUnavailable))

	status = http.StatusBadRequest
	_, err = c.GetIssue(t.Context(), "MT-1")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
}

func TestClient_ListByStatus(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/api/3/search", r.URL.Path)
		assert.Equal(t, `project = "MT" AND status IN ("TO DO", "PLANNED AND CONFIRMED") ORDER BY priority DESC, created ASC`, r.URL.Query().Get("jql"))
		w.Write([]byte(`{"issues": [
			{"key": "MT-1", "fields": {"summary": "a", "status": {"name": "TO DO"}, "issuetype": {"name": "Task"}}},
			{"key": "MT-2", "fields": {"summary": "b", "status": {"name": "PLANNED AND CONFIRMED"}, "issuetype": {"name": "Task"}}}
		]}`))
	}))

	issues, err := c.ListByStatus(t.Context(), []string{"TO DO", "PLANNED AND CONFIRMED"})
	require.NoError(t, err)
	require.Len(t, issues, 2)
	assert.Equal(t, "MT-2", issues[1].Key)

	none, err := c.ListByStatus(t.Context(), nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestClient_CreateAndComment(t *testing.T) {
	var bodies []map[string]interface{}
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		bodies = append(bodies, body)
		switch r.URL.Path {
		case "/rest/api/3/issue":
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"id": "10001", "key": "MT-9"}`))
		case "/rest/api/3/issue/MT-9/comment":
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"id": "1"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	key, err := c.CreateIssue(t.Context(), "Search", "Line one\nLine two", "")
	require.NoError(t, err)
	assert.Equal(t, "MT-9", key)
	fields := bodies[0]["fields"].(map[string]interface{})
	assert.Equal(t, "Task", fields["issuetype"].(map[string]interface{})["name"])
	desc := fields["description"].(map[string]interface{})
	assert.Equal(t, "doc", desc["type"])
	assert.Len(t, desc["content"], 2)

	require.NoError(t, c.AddComment(t.Context(), "MT-9", "Plan ready"))
	assert.Equal(t, "doc", bodies[1]["body"].(map[string]interface{})["type"])
}

func TestClient_Comments(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"comments": [{"id": "5", "author": {"displayName": "Ana"},
			"body": {"type": "doc", "version": 1, "content": [{"type": "paragraph", "content": [{"type": "text", "text": "blocked by API keys"}]}]},
			"created": "2025-03-02T10:00:00.000+0000"}]}`))
	}))
	comments, err := c.Comments(t.Context(), "MT-3")
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, "Ana", comments[0].Author)
	assert.Equal(t, "blocked by API keys", comments[0].Body)
}

func TestClient_Transition(t *testing.T) {
	var posted string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/api/3/issue/MT-4/transitions", r.URL.Path)
		if r.Method == http.MethodGet {
			w.Write([]byte(`{"transitions": [
				{"id": "11", "name": "Plan", "to": {"name": "PLANNED"}},
				{"id": "21", "name": "Start", "to": {"name": "In Progress"}}
			]}`))
			return
		}
		var body struct {
			Transition struct {
				ID string `json:"id"`
			} `json:"transition"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		posted = body.Transition.ID
		w.WriteHeader(http.StatusNoContent)
	}))

	require.NoError(t, c.Transition(t.Context(), "MT-4", "IN PROGRESS"))
	assert.Equal(t, "21", posted)

	require.NoError(t, c.Transition(t.Context(), "MT-4", "plan"))
	assert.Equal(t, "11", posted)

	err := c.Transition(t.Context(), "MT-4", "DONE")
	assert.True(t, errors.Is(err, ErrNoTransition))
	assert.True(t, errors.Is(err, collab.ErrNoTransition))
	assert.False(t, errors.Is(err, collab.ErrCollaboratorUnavailable))
}

func TestADF(t *testing.T) {
	doc := toADF("first\n\nsecond")
	require.Len(t, doc.Content, 2)
	assert.Equal(t, "first\nsecond", plainText(&doc))
	assert.Equal(t, "", plainText(nil))

	empty := toADF("")
	assert.Len(t, empty.Content, 1)
}
