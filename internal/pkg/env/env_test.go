package env

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetEnvPrefersLoadedFile(t *testing.T) {
	Env = map[string]string{"BILLFOX_TEST_KEY": "from-file"}
	t.Cleanup(func() { Env = nil })
	t.Setenv("BILLFOX_TEST_KEY", "from-os")

	assert.Equal(t, "from-file", GetEnv("BILLFOX_TEST_KEY", "def"))
}

func TestGetEnvFallbacks(t *testing.T) {
	Env = nil
	t.Setenv("BILLFOX_OS_ONLY", "os")

	assert.Equal(t, "os", GetEnv("BILLFOX_OS_ONLY", "def"))
	assert.Equal(t, "def", GetEnv("BILLFOX_MISSING", "def"))
}

func TestTypedGetters(t *testing.T) {
	Env = map[string]string{
		"N":    "42",
		"BAD":  "forty",
		"B":    "true",
		"D":    "90m",
		"BADD": "soon",
	}
	t.Cleanup(func() { Env = nil })

	assert.Equal(t, 42, GetEnvInt("N", 1))
	assert.Equal(t, 1, GetEnvInt("BAD", 1))
	assert.True(t, GetEnvBool("B", false))
	assert.False(t, GetEnvBool("MISSING", false))
	assert.Equal(t, 90*time.Minute, GetEnvDuration("D", time.Second))
	assert.Equal(t, time.Second, GetEnvDuration("BADD", time.Second))
}
