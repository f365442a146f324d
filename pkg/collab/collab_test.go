package collab_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/baja5b/claude-workflow-system/pkg/collab"
)

func TestUnavailable(t *testing.T) {
	assert.NoError(t, collab.Unavailable("telegram", nil))

	cause := errors.New("connection refused")
	err := collab.Unavailable("telegram", cause)
	assert.True(t, errors.Is(err, collab.ErrCollaboratorUnavailable))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "telegram")
	assert.Contains(t, err.Error(), "connection refused")

	wrapped := fmt.Errorf("notify: %w", err)
	assert.True(t, errors.Is(wrapped, collab.ErrCollaboratorUnavailable))
}
