package telegram

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baja5b/claude-workflow-system/pkg/collab"
)

func TestNew_RequiresConfig(t *testing.T) {
	_, err := New(Config{BotToken: "x"})
	assert.Error(t, err)
}

func TestClient_Send(t *testing.T) {
	var got sendMessageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bot123:abc/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"ok": true, "result": {"message_id": 1}}`))
	}))
	defer srv.Close()

	c, err := New(Config{BotToken: "123:abc", ChatID: "-10042", BaseURL: srv.URL})
	require.NoError(t, err)
	ok, err := c.Send(t.Context(), "telegram", "🚀 *Workflow started*")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "-10042", got.ChatID)
	assert.Equal(t, "Markdown", got.ParseMode)
	assert.Equal(t, "🚀 *Workflow started*", got.Text)
}

func TestClient_SendFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"ok": false, "description": "Bad Request: can't parse entities"}`))
	}))
	defer srv.Close()

	c, err := New(Config{BotToken: "123:abc", ChatID: "1", BaseURL: srv.URL})
	require.NoError(t, err)

	ok, err := c.Send(t.Context(), "", "*broken")
	assert.False(t, ok)
	assert.True(t, errors.Is(err, collab.ErrCollaboratorUnavailable))
	assert.Contains(t, err.Error(), "can't parse entities")

	_, err = c.Send(t.Context(), "email", "hi")
	assert.Error(t, err)

	srv.Close()
	_, err = c.Send(t.Context(), "", "hi")
	assert.True(t, errors.Is(err, collab.ErrCollaboratorUnavailable))
	assert.NotContains(t, err.Error(), "123:abc")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	long := strings.Repeat("ä", 20)
	assert.Equal(t, 10, len([]rune(truncate(long, 10))))
}
