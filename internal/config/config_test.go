package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesExamEngineDefaults(t *testing.T) {
	t.Setenv("GEMA_JWT_SECRET", "secret")
	t.Setenv("GEMA_JWT_REFRESH_SECRET", "refresh")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, DefaultExamEngine(), cfg.ExamEngine)
	require.Equal(t, ":8080", cfg.HTTPAddress())
}

func TestLoadReadsExamEngineOverrides(t *testing.T) {
	t.Setenv("GEMA_JWT_SECRET", "secret")
	t.Setenv("GEMA_JWT_REFRESH_SECRET", "refresh")
	t.Setenv("GEMA_EXAM_MAX_TAB_SWITCHES", "5")
	t.Setenv("GEMA_EXAM_PROCTOR_GRACE_MINUTES", "10")
	t.Setenv("GEMA_EXECUTION_TIMEOUT_MS", "2500")
	t.Setenv("GEMA_RESULTS_CHALLENGE_WINDOW", "24h")
	t.Setenv("GEMA_GRADING_SHORT_ANSWER_SIMILARITY", "0.75")
	t.Setenv("GEMA_APP_PORT", ":9090")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 5, cfg.ExamEngine.MaxTabSwitches)
	require.Equal(t, 10, cfg.ExamEngine.ProctorGraceMinutes)
	require.Equal(t, 2500*time.Millisecond, cfg.ExamEngine.ExecutionTimeout)
	require.Equal(t, 24*time.Hour, cfg.ExamEngine.ChallengeWindow)
	require.InDelta(t, 0.75, cfg.ExamEngine.ShortAnswerSimilarity, 1e-9)
	require.Equal(t, ":9090", cfg.HTTPAddress())
}

func TestLoadRejectsMissingSecrets(t *testing.T) {
	t.Setenv("GEMA_JWT_SECRET", "")
	t.Setenv("GEMA_JWT_REFRESH_SECRET", "")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	t.Setenv("GEMA_JWT_SECRET", "secret")
	t.Setenv("GEMA_JWT_REFRESH_SECRET", "refresh")
	t.Setenv("GEMA_ANALYTICS_CACHE_TTL", "soon")

	_, err := Load()
	require.Error(t, err)
}
