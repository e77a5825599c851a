package env

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTypedGetters(t *testing.T) {
	previous := Env
	t.Cleanup(func() { Env = previous })
	Env = map[string]string{
		"WORKERS":  "12",
		"NEGATIVE": "-3",
		"GARBAGE":  "twelve",
		"REFUND":   "true",
		"BAD_BOOL": "maybe",
		"TIMEOUT":  "15",
	}

	assert.Equal(t, 12, GetInt("WORKERS", 1))
	assert.Equal(t, 1, GetInt("NEGATIVE", 1))
	assert.Equal(t, 1, GetInt("GARBAGE", 1))
	assert.Equal(t, 7, GetInt("MISSING_KEY_FOR_TEST", 7))

	assert.True(t, GetBool("REFUND", false))
	assert.False(t, GetBool("BAD_BOOL", false))

	assert.Equal(t, 15*time.Second, GetDuration("TIMEOUT", 5, time.Second))
	assert.Equal(t, 5*time.Second, GetDuration("MISSING_KEY_FOR_TEST", 5, time.Second))
}

func TestGetEnvPrefersEnvFile(t *testing.T) {
	previous := Env
	t.Cleanup(func() { Env = previous })
	t.Setenv("BOTFOX_TEST_VALUE", "from-os")

	Env = map[string]string{}
	assert.Equal(t, "from-os", GetEnv("BOTFOX_TEST_VALUE", "def"))

	Env = map[string]string{"BOTFOX_TEST_VALUE": "from-file"}
	assert.Equal(t, "from-file", GetEnv("BOTFOX_TEST_VALUE", "def"))
}
