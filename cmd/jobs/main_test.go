package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nationalpos/backend/internal/config"
	"nationalpos/backend/internal/httpapi"
)

func testConfig() config.Config {
	return config.Config{
		AuthSecret:            "0123456789abcdef0123456789abcdef",
		AccessTokenTTLMinutes: 60,
		LogLevel:              "error",
		LogFormat:             "text",
		LowStockThreshold:     10,
		AlertCooldown:         time.Hour,
		ReservationTTL:        15 * time.Minute,
		LockTimeout:           time.Second,
		RetryMaxAttempts:      3,
		RetryBaseDelay:        time.Millisecond,
		ProductCacheTTL:       time.Minute,
		JobLockTTL:            time.Minute,
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand(testConfig, &out)
	cmd.SetArgs(args)
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestIssueTokenPrintsVerifiableToken(t *testing.T) {
	out, err := execute(t, "issue-token", "--user", "till-07", "--role", "cashier", "--branch", "branch-jkt")
	require.NoError(t, err)

	auth := httpapi.NewAuthManager(testConfig().AuthSecret, time.Hour, "")
	actor, err := auth.ParseToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "till-07", actor.UserID)
	assert.Equal(t, "branch-jkt", actor.BranchID)
}

func TestIssueTokenRejectsUnknownRole(t *testing.T) {
	_, err := execute(t, "issue-token", "--user", "till-07", "--role", "owner")
	assert.ErrorIs(t, err, httpapi.ErrUnknownRole)
}

func TestEvaluateAlertsAgainstSeededStore(t *testing.T) {
	out, err := execute(t, "evaluate-alerts", "--branch", "branch-bdg")
	require.NoError(t, err)

	var result struct {
		Job    string         `json:"job"`
		Output map[string]int `json:"output"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, jobEvaluateAlerts, result.Job)
	assert.Equal(t, 2, result.Output["evaluated"])
	assert.Equal(t, 2, result.Output["raised"])
}

func TestSweepReservationsOnEmptyStore(t *testing.T) {
	out, err := execute(t, "sweep-reservations")
	require.NoError(t, err)
	assert.Contains(t, out, `"job": "sweep-reservations"`)
	assert.Contains(t, out, `"expired": 0`)
}

func TestMigrateRequiresDatabase(t *testing.T) {
	_, err := execute(t, "migrate")
	assert.Error(t, err)
}
