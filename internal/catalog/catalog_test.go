package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalog(t *testing.T) {
	c, err := New("qwen2.5-7b", []string{"gpt-3.5-turbo", "gpt-4o-mini"})
	require.NoError(t, err)

	assert.Equal(t, "qwen2.5-7b", c.Primary().ID)
	assert.True(t, c.Known("gpt-4o-mini"))
	assert.False(t, c.Known("claude"))

	list := c.List()
	require.Len(t, list, 3)
	assert.Equal(t, "qwen2.5-7b", list[0].ID)
	assert.Equal(t, "gpt-3.5-turbo", list[1].ID)
	assert.Equal(t, "llama-gateway", list[2].OwnedBy)
	assert.Equal(t, list[0].Created, list[2].Created)
}

func TestCatalogRejectsDuplicates(t *testing.T) {
	_, err := New("m", []string{"a", "a"})
	require.ErrorIs(t, err, ErrDuplicateModel)

	_, err = New("m", []string{"m"})
	require.ErrorIs(t, err, ErrDuplicateModel)

	_, err = New(" ", nil)
	require.Error(t, err)
}
