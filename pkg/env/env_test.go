package env

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypedGetters(t *testing.T) {
	t.Setenv("ENV_TEST_INT", "42")
	t.Setenv("ENV_TEST_BAD_INT", "forty")
	t.Setenv("ENV_TEST_BOOL", "true")
	t.Setenv("ENV_TEST_DUR", "1m30s")
	t.Setenv("ENV_TEST_SLICE", " a, ,b,")

	assert.Equal(t, 42, GetInt("ENV_TEST_INT", 7))
	assert.Equal(t, 7, GetInt("ENV_TEST_BAD_INT", 7))
	assert.Equal(t, 7, GetInt("ENV_TEST_UNSET", 7))
	assert.True(t, GetBool("ENV_TEST_BOOL", false))
	assert.Equal(t, 90*time.Second, GetDuration("ENV_TEST_DUR", time.Second))
	assert.Equal(t, []string{"a", "b"}, GetStringSlice("ENV_TEST_SLICE", nil))
	assert.Equal(t, []string{"x"}, GetStringSlice("ENV_TEST_UNSET", []string{"x"}))
	assert.Equal(t, "fallback", GetString("ENV_TEST_UNSET", "fallback"))
}

func TestGetStringFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(path, []byte("s3cret\n"), 0o600))

	t.Setenv("ENV_TEST_SECRET", "from-env")
	assert.Equal(t, "from-env", GetStringFromFile("ENV_TEST_SECRET", ""))

	t.Setenv("ENV_TEST_SECRET_FILE", path)
	assert.Equal(t, "s3cret", GetStringFromFile("ENV_TEST_SECRET", ""))

	t.Setenv("ENV_TEST_SECRET_FILE", filepath.Join(t.TempDir(), "missing"))
	assert.Equal(t, "from-env", GetStringFromFile("ENV_TEST_SECRET", ""))
}
