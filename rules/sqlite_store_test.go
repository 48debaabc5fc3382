package rules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/mattn/go-sqlite3"

	"github.com/liamcoop/automations/migrations"
)

// setupSQLiteDB creates a migrated SQLite database file in a temp dir.
func setupSQLiteDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "automations.db")

	src, err := iofs.New(migrations.FS, "sqlite")
	if err != nil {
		t.Fatalf("Failed to read migrations: %v", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, "sqlite3://"+path)
	if err != nil {
		t.Fatalf("Failed to create migrator: %v", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
		t.Fatalf("Failed to close migrator: %v / %v", srcErr, dbErr)
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSQLiteRuleStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T, opts ...StoreOption) RuleStore {
		return NewSQLiteRuleStore(setupSQLiteDB(t), opts...)
	})
}

func TestSQLiteRuleStore_ShadowLogCascade(t *testing.T) {
	db := setupSQLiteDB(t)
	store := NewSQLiteRuleStore(db)
	mustAdd(t, store, workItemRule("rule-1", StageShadow, 1))

	for i := 0; i < 3; i++ {
		if err := store.RecordShadow(t.Context(), ShadowDecision{RuleID: "rule-1", EntityID: "SHP-1", Trigger: TriggerShipmentStatusChanged, EntityType: EntityShipment, Reason: ShadowReasonShadow}); err != nil {
			t.Fatalf("RecordShadow failed: %v", err)
		}
	}
	if err := store.Delete(t.Context(), "rule-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	var remaining int
	if err := db.QueryRow(`SELECT COUNT(*) FROM automation_shadow_log`).Scan(&remaining); err != nil {
		t.Fatalf("Failed to count shadow log: %v", err)
	}
	if remaining != 0 {
		t.Errorf("Expected shadow log rows to be removed with the rule, got %d", remaining)
	}
}

func TestSQLiteRuleStore_FailedUpdateLeavesCallerUntouched(t *testing.T) {
	db := setupSQLiteDB(t)
	store := NewSQLiteRuleStore(db)
	mustAdd(t, store, workItemRule("r1", StageShadow, 1))

	if _, err := db.Exec(`CREATE TRIGGER reject_rename BEFORE UPDATE OF name ON automation_rules
		BEGIN SELECT RAISE(ABORT, 'rename rejected'); END`); err != nil {
		t.Fatalf("Failed to create trigger: %v", err)
	}

	next := mustGet(t, store, "r1")
	next.Name = "Renamed"
	version, updatedAt := next.Version, next.UpdatedAt
	if err := store.Update(context.Background(), next); err == nil {
		t.Fatal("Expected update to fail")
	}
	if next.Version != version || !next.UpdatedAt.Equal(updatedAt) {
		t.Errorf("Expected caller's rule untouched, got version %d updated_at %v", next.Version, next.UpdatedAt)
	}
	if got := mustGet(t, store, "r1"); got.Version != version || got.Name == "Renamed" {
		t.Errorf("Expected stored rule unchanged, got %+v", got)
	}
}

func TestIsSQLiteUniqueViolation(t *testing.T) {
	db := setupSQLiteDB(t)
	if _, err := db.Exec(`CREATE TABLE dup_check (id TEXT PRIMARY KEY)`); err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO dup_check (id) VALUES ('a')`); err != nil {
		t.Fatalf("First insert failed: %v", err)
	}
	_, err := db.Exec(`INSERT INTO dup_check (id) VALUES ('a')`)
	if !isSQLiteUniqueViolation(fmt.Errorf("insert: %w", err)) {
		t.Errorf("Expected duplicate insert to be a unique violation, got %v", err)
	}

	if isSQLiteUniqueViolation(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintNotNull}) {
		t.Error("Expected NOT NULL violation not to count")
	}
	if isSQLiteUniqueViolation(errors.New("disk I/O error")) {
		t.Error("Expected plain error not to count")
	}
}

func TestNumberedQuestionRebind(t *testing.T) {
	got := numberedQuestionRebind(`UPDATE t SET a = $1, b = $2 WHERE id = $10`)
	want := `UPDATE t SET a = ?1, b = ?2 WHERE id = ?10`
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}
