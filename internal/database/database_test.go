package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/automations/internal/config"
	"github.com/liamcoop/automations/rules"
)

func TestSQLitePath(t *testing.T) {
	tests := map[string]string{
		"/var/lib/automations.db":                    "/var/lib/automations.db",
		"sqlite3:///var/lib/automations.db":          "/var/lib/automations.db",
		"file:automations.db?_busy_timeout=100":      "automations.db",
		"sqlite3://automations.db?x-no-tx-wrap=true": "automations.db",
	}
	for in, want := range tests {
		assert.Equal(t, want, sqlitePath(in), in)
	}
	assert.Equal(t, "file:a.db?_busy_timeout=5000&_foreign_keys=on", sqliteDSN("a.db"))
}

func TestNewRuleStore(t *testing.T) {
	store, err := NewRuleStore(config.DriverMemory, nil)
	require.NoError(t, err)
	assert.IsType(t, &rules.InMemoryRuleStore{}, store)

	_, err = NewRuleStore("mysql", nil)
	assert.ErrorContains(t, err, "unsupported database driver")
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "whatever")
	assert.ErrorContains(t, err, "unsupported database driver")
}

func TestSQLiteMigrateAndStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "automations.db")

	require.NoError(t, Migrate(config.DriverSQLite, path))
	// idempotent
	require.NoError(t, Migrate(config.DriverSQLite, path))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	db, err := Open(ctx, config.DriverSQLite, path)
	require.NoError(t, err)
	defer db.Close()

	store, err := NewRuleStore(config.DriverSQLite, db)
	require.NoError(t, err)

	rule := &rules.Rule{
		ID:           "rule-1",
		Name:         "Escalate late shipments",
		Trigger:      rules.TriggerCheckCallOverdue,
		Conditions:   []rules.Condition{},
		Action:       rules.ActionEscalate,
		ActionConfig: &rules.EscalateConfig{EscalateTo: "ops-lead", Reason: "late"},
		RolloutStage: rules.StageFull,
		Enabled:      true,
	}
	require.NoError(t, store.Add(ctx, rule))

	got, err := store.Get(ctx, "rule-1")
	require.NoError(t, err)
	assert.Equal(t, "Escalate late shipments", got.Name)
	assert.Equal(t, &rules.EscalateConfig{EscalateTo: "ops-lead", Reason: "late"}, got.ActionConfig)

	m, err := NewMigrator(config.DriverSQLite, path)
	require.NoError(t, err)
	defer m.Close()
	version, dirty, err := m.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)
}
