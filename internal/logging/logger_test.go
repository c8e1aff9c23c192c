package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("json info", func(t *testing.T) {
		l, err := New("info", FormatJSON)
		require.NoError(t, err)
		assert.NotNil(t, l)
	})

	t.Run("console debug", func(t *testing.T) {
		l, err := New("DEBUG", FormatConsole)
		require.NoError(t, err)
		assert.True(t, l.Core().Enabled(-1))
	})

	t.Run("invalid level", func(t *testing.T) {
		_, err := New("loud", FormatJSON)
		assert.Error(t, err)
	})

	t.Run("invalid format", func(t *testing.T) {
		_, err := New("info", "xml")
		assert.Error(t, err)
	})
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
}
