package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// dialect captures the differences between the SQL backends.
type dialect struct {
	name string
	// rebind rewrites $N placeholders for the driver
	rebind func(query string) string
	// lockClause is appended to the row read that precedes an update
	lockClause string
	// isUniqueViolation reports a primary key or unique constraint error
	isUniqueViolation func(err error) bool
}

var dollarPlaceholder = regexp.MustCompile(`\$(\d+)`)

func identityRebind(q string) string { return q }

func numberedQuestionRebind(q string) string {
	return dollarPlaceholder.ReplaceAllString(q, "?${1}")
}

const ruleColumns = `seq, id, name, description, trigger_kind, conditions, action_kind, action_config,
	rollout_stage, rollout_percentage, priority, enabled, version,
	trigger_count, last_triggered_at, failure_count, last_error, last_error_at, config_error,
	created_at, updated_at`

// SQLRuleStore implements RuleStore over database/sql. Rules live in
// automation_rules; shadow decisions live in automation_shadow_log and are
// trimmed to the configured capacity on every append.
type SQLRuleStore struct {
	db      *sql.DB
	dialect dialect
	opts    storeOptions
}

func newSQLRuleStore(db *sql.DB, d dialect, opts []StoreOption) *SQLRuleStore {
	return &SQLRuleStore{db: db, dialect: d, opts: buildStoreOptions(opts)}
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLRuleStore) q(query string) string { return s.dialect.rebind(query) }

// Add inserts a new rule into the database
func (s *SQLRuleStore) Add(ctx context.Context, rule *Rule) error {
	conditions, config, err := encodeRule(rule)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	err = tx.QueryRowContext(ctx, s.q(`SELECT EXISTS(SELECT 1 FROM automation_rules WHERE id = $1)`), rule.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check rule existence: %w", err)
	}
	if exists {
		return fmt.Errorf("rule with ID %s: %w", rule.ID, ErrRuleExists)
	}

	now := s.opts.now().UTC()
	var seq int64
	err = tx.QueryRowContext(ctx, s.q(`
		INSERT INTO automation_rules (id, name, description, trigger_kind, conditions, action_kind, action_config,
			rollout_stage, rollout_percentage, priority, enabled, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 1, $12, $13)
		RETURNING seq
	`), rule.ID, rule.Name, rule.Description, string(rule.Trigger), conditions, string(rule.Action), config,
		string(rule.RolloutStage), rule.RolloutPercentage, rule.Priority, rule.Enabled, now, now).Scan(&seq)
	if err != nil {
		if s.dialect.isUniqueViolation(err) {
			return fmt.Errorf("rule with ID %s: %w", rule.ID, ErrRuleExists)
		}
		return fmt.Errorf("failed to insert rule: %w", err)
	}
	if err := tx.Commit(); err != nil {
		if s.dialect.isUniqueViolation(err) {
			return fmt.Errorf("rule with ID %s: %w", rule.ID, ErrRuleExists)
		}
		return fmt.Errorf("failed to commit rule: %w", err)
	}

	rule.seq = seq
	rule.CreatedAt = now
	rule.UpdatedAt = now
	rule.Version = 1
	resetTelemetry(rule)
	return nil
}

// Get retrieves a rule by ID
func (s *SQLRuleStore) Get(ctx context.Context, id string) (*Rule, error) {
	rule, err := s.getRule(ctx, s.db, id, false)
	if err != nil {
		return nil, err
	}
	logs, err := s.shadowLogs(ctx, `WHERE rule_id = $1`, id)
	if err != nil {
		return nil, err
	}
	rule.ShadowLog = logs[id]
	if rule.ShadowLog == nil {
		rule.ShadowLog = []ShadowDecision{}
	}
	return rule, nil
}

// List returns all rules with their shadow logs
func (s *SQLRuleStore) List(ctx context.Context) ([]*Rule, error) {
	list, err := s.listRules(ctx, ``)
	if err != nil {
		return nil, err
	}
	logs, err := s.shadowLogs(ctx, ``)
	if err != nil {
		return nil, err
	}
	for _, r := range list {
		r.ShadowLog = logs[r.ID]
		if r.ShadowLog == nil {
			r.ShadowLog = []ShadowDecision{}
		}
	}
	return list, nil
}

// ListEnabled returns all enabled rules
func (s *SQLRuleStore) ListEnabled(ctx context.Context) ([]*Rule, error) {
	return s.listRules(ctx, `WHERE enabled = $1`, true)
}

// Update modifies an existing rule
func (s *SQLRuleStore) Update(ctx context.Context, rule *Rule) error {
	conditions, config, err := encodeRule(rule)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := s.getRule(ctx, tx, rule.ID, true)
	if err != nil {
		return err
	}
	updated := rule.Clone()
	if err := applyUpdate(existing, updated, s.opts.now().UTC()); err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx, s.q(`
		UPDATE automation_rules
		SET name = $1, description = $2, trigger_kind = $3, conditions = $4, action_kind = $5, action_config = $6,
			rollout_stage = $7, rollout_percentage = $8, priority = $9, enabled = $10,
			version = $11, config_error = '', updated_at = $12
		WHERE id = $13 AND version = $14
	`), updated.Name, updated.Description, string(updated.Trigger), conditions, string(updated.Action), config,
		string(updated.RolloutStage), updated.RolloutPercentage, updated.Priority, updated.Enabled,
		updated.Version, updated.UpdatedAt, updated.ID, existing.Version)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule %s changed concurrently: %w", rule.ID, ErrVersionConflict)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rule update: %w", err)
	}
	*rule = *updated
	return nil
}

// Delete removes a rule and its shadow log from the database
func (s *SQLRuleStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM automation_shadow_log WHERE rule_id = $1`), id); err != nil {
		return fmt.Errorf("failed to delete shadow log: %w", err)
	}
	result, err := tx.ExecContext(ctx, s.q(`DELETE FROM automation_rules WHERE id = $1`), id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	if err := requireRow(result, id); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordFire increments trigger_count in a single statement
func (s *SQLRuleStore) RecordFire(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, s.q(`
		UPDATE automation_rules SET trigger_count = trigger_count + 1, last_triggered_at = $1 WHERE id = $2
	`), at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to record fire: %w", err)
	}
	return requireRow(result, id)
}

// RecordFailure counts a failed action execution
func (s *SQLRuleStore) RecordFailure(ctx context.Context, id, message string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, s.q(`
		UPDATE automation_rules SET failure_count = failure_count + 1, last_error = $1, last_error_at = $2 WHERE id = $3
	`), message, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to record failure: %w", err)
	}
	return requireRow(result, id)
}

// FlagConfigError marks a rule whose configuration failed at dispatch time
func (s *SQLRuleStore) FlagConfigError(ctx context.Context, id, message string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, s.q(`
		UPDATE automation_rules SET config_error = $1, last_error_at = $2 WHERE id = $3
	`), message, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to flag config error: %w", err)
	}
	return requireRow(result, id)
}

// RecordShadow appends a decision and evicts entries beyond capacity
func (s *SQLRuleStore) RecordShadow(ctx context.Context, d ShadowDecision) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	err = tx.QueryRowContext(ctx, s.q(`SELECT EXISTS(SELECT 1 FROM automation_rules WHERE id = $1)`), d.RuleID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check rule existence: %w", err)
	}
	if !exists {
		return notFound(d.RuleID)
	}

	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO automation_shadow_log (rule_id, event_id, trigger_kind, entity_type, entity_id, reason, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`), d.RuleID, d.EventID, string(d.Trigger), d.EntityType, d.EntityID, d.Reason, d.RecordedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert shadow decision: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.q(`
		DELETE FROM automation_shadow_log
		WHERE rule_id = $1 AND id NOT IN (
			SELECT id FROM automation_shadow_log WHERE rule_id = $2 ORDER BY id DESC LIMIT $3
		)
	`), d.RuleID, d.RuleID, s.opts.shadowCapacity)
	if err != nil {
		return fmt.Errorf("failed to trim shadow log: %w", err)
	}
	return tx.Commit()
}

func (s *SQLRuleStore) getRule(ctx context.Context, q queryer, id string, lock bool) (*Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM automation_rules WHERE id = $1`
	if lock {
		query += s.dialect.lockClause
	}
	rule, err := scanRule(q.QueryRowContext(ctx, s.q(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

func (s *SQLRuleStore) listRules(ctx context.Context, where string, args ...any) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+ruleColumns+` FROM automation_rules `+where+` ORDER BY seq ASC`), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var list []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		list = append(list, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}
	return list, nil
}

func (s *SQLRuleStore) shadowLogs(ctx context.Context, where string, args ...any) (map[string][]ShadowDecision, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT rule_id, event_id, trigger_kind, entity_type, entity_id, reason, recorded_at
		FROM automation_shadow_log `+where+` ORDER BY id ASC`), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read shadow log: %w", err)
	}
	defer rows.Close()

	logs := make(map[string][]ShadowDecision)
	for rows.Next() {
		var d ShadowDecision
		var trigger string
		if err := rows.Scan(&d.RuleID, &d.EventID, &trigger, &d.EntityType, &d.EntityID, &d.Reason, &d.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan shadow decision: %w", err)
		}
		d.Trigger = Trigger(trigger)
		logs[d.RuleID] = append(logs[d.RuleID], d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating shadow log: %w", err)
	}
	return logs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var (
		r                          Rule
		trigger, action, stage     string
		conditions, config         []byte
		lastTriggered, lastErrorAt sql.NullTime
	)
	err := row.Scan(&r.seq, &r.ID, &r.Name, &r.Description, &trigger, &conditions, &action, &config,
		&stage, &r.RolloutPercentage, &r.Priority, &r.Enabled, &r.Version,
		&r.TriggerCount, &lastTriggered, &r.FailureCount, &r.LastError, &lastErrorAt, &r.ConfigError,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}

	r.Trigger = Trigger(trigger)
	r.Action = ActionKind(action)
	r.RolloutStage = RolloutStage(stage)
	if lastTriggered.Valid {
		t := lastTriggered.Time
		r.LastTriggeredAt = &t
	}
	if lastErrorAt.Valid {
		t := lastErrorAt.Time
		r.LastErrorAt = &t
	}
	if err := json.Unmarshal(conditions, &r.Conditions); err != nil {
		return nil, fmt.Errorf("decode conditions of rule %s: %w", r.ID, err)
	}
	if r.ActionConfig, err = DecodeActionConfig(r.Action, config); err != nil {
		return nil, fmt.Errorf("decode action_config of rule %s: %w", r.ID, err)
	}
	return &r, nil
}

// encodeRule serialises the JSON columns. Strings rather than []byte keep
// lib/pq from sending them as bytea.
func encodeRule(r *Rule) (conditions, config string, err error) {
	conds := r.Conditions
	if conds == nil {
		conds = []Condition{}
	}
	c, err := json.Marshal(conds)
	if err != nil {
		return "", "", fmt.Errorf("encode conditions: %w", err)
	}
	cfg := []byte("{}")
	if r.ActionConfig != nil {
		if cfg, err = json.Marshal(r.ActionConfig); err != nil {
			return "", "", fmt.Errorf("encode action_config: %w", err)
		}
	}
	return string(c), string(cfg), nil
}

func requireRow(result sql.Result, id string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return notFound(id)
	}
	return nil
}
