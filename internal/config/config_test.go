package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComputeRetentionPicksTheTighterBudget(t *testing.T) {
	// RAM allows ~64 minutes (0.1GB / 1.5MB), disk allows ~100 minutes.
	n, err := computeRetention(0.1, 10)
	require.NoError(t, err)
	require.Equal(t, 63, n)
}

func TestComputeRetentionDiskIsTighter(t *testing.T) {
	// RAM allows ~6357 minutes (10GB / 1.5MB), disk allows 10 (1GB / 100MB).
	n, err := computeRetention(10, 1)
	require.NoError(t, err)
	require.Equal(t, 10, n)
}

func TestComputeRetentionBelowFloorIsAnError(t *testing.T) {
	_, err := computeRetention(0.001, 0.001)
	require.Error(t, err)
}

func TestGetEnvFallsBackWhenUnset(t *testing.T) {
	require.Equal(t, "fallback", getEnv("LOGMUNCH_TEST_UNSET_KEY", "fallback"))
}

func TestGetEnvUsesSetValue(t *testing.T) {
	t.Setenv("LOGMUNCH_TEST_KEY", "custom")
	require.Equal(t, "custom", getEnv("LOGMUNCH_TEST_KEY", "fallback"))
}

func TestGetEnvIntFallsBackOnGarbage(t *testing.T) {
	t.Setenv("LOGMUNCH_TEST_INT", "not-a-number")
	require.Equal(t, 7, getEnvInt("LOGMUNCH_TEST_INT", 7))
}

func TestGetEnvFloatParsesValue(t *testing.T) {
	t.Setenv("LOGMUNCH_TEST_FLOAT", "2.5")
	require.Equal(t, 2.5, getEnvFloat("LOGMUNCH_TEST_FLOAT", 1.0))
}
