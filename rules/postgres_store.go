package rules

import (
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// pqUniqueViolation is the SQLSTATE for unique_violation.
const pqUniqueViolation = "23505"

// PostgresRuleStore is a SQLRuleStore backed by PostgreSQL. Updates lock the
// rule row with SELECT ... FOR UPDATE.
type PostgresRuleStore struct {
	*SQLRuleStore
}

// NewPostgresRuleStore creates a new PostgreSQL-backed RuleStore
func NewPostgresRuleStore(db *sql.DB, opts ...StoreOption) *PostgresRuleStore {
	return &PostgresRuleStore{
		SQLRuleStore: newSQLRuleStore(db, dialect{
			name:              "postgres",
			rebind:            identityRebind,
			lockClause:        " FOR UPDATE",
			isUniqueViolation: isPostgresUniqueViolation,
		}, opts),
	}
}

func isPostgresUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}
