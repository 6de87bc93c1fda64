package auth

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileToken_ReadsCurrentValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	src := FileToken{Path: path}
	ctx := context.Background()

	tok, err := src.Token(ctx)
	require.NoError(t, err)
	assert.Empty(t, tok, "missing file means no token")

	require.NoError(t, os.WriteFile(path, []byte("first\n"), 0o600))
	tok, err = src.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", tok)

	require.NoError(t, os.WriteFile(path, []byte("second"), 0o600))
	tok, err = src.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", tok)
}

func TestEnvToken(t *testing.T) {
	t.Setenv("OFFSYNC_TEST_TOKEN", "abc")
	tok, err := EnvToken("OFFSYNC_TEST_TOKEN").Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)
}

func TestApply(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "http://example.invalid", nil)
	require.NoError(t, err)

	require.NoError(t, Apply(context.Background(), StaticToken("t1"), req))
	assert.Equal(t, "Bearer t1", req.Header.Get("Authorization"))

	req.Header.Del("Authorization")
	require.NoError(t, Apply(context.Background(), StaticToken(""), req))
	assert.Empty(t, req.Header.Get("Authorization"))

	require.NoError(t, Apply(context.Background(), nil, req))
}
