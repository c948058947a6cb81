package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate/relaygate/internal/core"
)

func TestExitCodeFor(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code foundry.ExitCode
	}{
		{"tagged", withExit(foundry.ExitConfigInvalid, "bad config", errors.New("port")), foundry.ExitConfigInvalid},
		{"wrapped tag", fmt.Errorf("serve: %w", withExit(foundry.ExitExternalServiceUnavailable, "store", errors.New("dial"))), foundry.ExitExternalServiceUnavailable},
		{"persistence", core.Persistence("claim", errors.New("disk I/O error")), foundry.ExitFailure},
		{"plain", errors.New("boom"), foundry.ExitFailure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, msg := exitCodeFor(tc.err)
			assert.Equal(t, tc.code, code)
			assert.NotEmpty(t, msg)
		})
	}
}

func TestWithExit(t *testing.T) {
	assert.NoError(t, withExit(foundry.ExitFailure, "ignored", nil))

	cause := errors.New("dial tcp: refused")
	err := withExit(foundry.ExitExternalServiceUnavailable, "failed to open job store", cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "failed to open job store: dial tcp: refused", err.Error())
}

func TestIsNotExist(t *testing.T) {
	_, err := os.Stat(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, isNotExist(fmt.Errorf("read config: %w", err)))
	assert.False(t, isNotExist(errors.New("yaml: line 2")))
}
