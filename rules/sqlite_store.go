package rules

import (
	"database/sql"
	"errors"

	"github.com/mattn/go-sqlite3"
)

// SQLiteRuleStore is a SQLRuleStore backed by SQLite, for single-node
// deployments. The database should be opened with a single connection.
type SQLiteRuleStore struct {
	*SQLRuleStore
}

// NewSQLiteRuleStore creates a new SQLite-backed RuleStore
func NewSQLiteRuleStore(db *sql.DB, opts ...StoreOption) *SQLiteRuleStore {
	return &SQLiteRuleStore{
		SQLRuleStore: newSQLRuleStore(db, dialect{
			name:              "sqlite3",
			rebind:            numberedQuestionRebind,
			isUniqueViolation: isSQLiteUniqueViolation,
		}, opts),
	}
}

func isSQLiteUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
