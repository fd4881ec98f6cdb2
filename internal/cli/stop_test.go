package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStopCommand(t *testing.T) {
	t.Run("help text", func(t *testing.T) {
		output, err := execute(t, "stop", "--help")
		require.NoError(t, err)

		assert.Contains(t, output, "Stop the runloop daemon")
		assert.Contains(t, output, "timeout")
	})

	t.Run("not running", func(t *testing.T) {
		path := writeTestConfig(t)
		output, err := execute(t, "--config", path, "stop")
		require.NoError(t, err)
		assert.Contains(t, output, "Daemon is not running")
	})
}
