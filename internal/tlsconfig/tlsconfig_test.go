package tlsconfig

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadReturnsNilForEmptyPaths(t *testing.T) {
	cfg, err := Load("", "")
	require.NoError(t, err)
	require.Nil(t, cfg)
}

func TestLoadRejectsMissingFiles(t *testing.T) {
	_, err := Load("/nonexistent/cert.pem", "/nonexistent/key.pem")
	require.Error(t, err)
}
