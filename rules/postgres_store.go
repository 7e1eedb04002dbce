package rules

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const ruleColumns = `id, name, description, query, target_table, execution_group, execution_stage,
	active, severity, drops_records, effective_from, effective_to, dependency_ids,
	created_by, remediation_hint, created_at, updated_at`

// PostgresStoreOption configures a PostgresRuleStore.
type PostgresStoreOption func(*PostgresRuleStore)

// WithPostgresCycleCheck rejects writes that would close a dependency cycle.
func WithPostgresCycleCheck() PostgresStoreOption {
	return func(s *PostgresRuleStore) {
		s.checkCycles = true
	}
}

// PostgresRuleStore implements RuleStore backed by PostgreSQL. Ids come from
// the rules_id_seq sequence, so they are never reused. Dependency lists live
// in a BIGINT[] column.
type PostgresRuleStore struct {
	db          *sql.DB
	tenantID    string
	checkCycles bool
	now         func() time.Time
}

// NewPostgresRuleStore creates a PostgreSQL-backed RuleStore for a specific tenant
func NewPostgresRuleStore(db *sql.DB, tenantID string, opts ...PostgresStoreOption) *PostgresRuleStore {
	s := &PostgresRuleStore{
		db:       db,
		tenantID: tenantID,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create inserts a new rule under the next sequence value
func (s *PostgresRuleStore) Create(in RuleInput) (*Rule, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var id int64
	if err := tx.QueryRow(`SELECT nextval('rules_id_seq')`).Scan(&id); err != nil {
		return nil, fmt.Errorf("failed to allocate rule id: %w", err)
	}

	rule := newRule(in)
	rule.ID = id
	rule.DependencyIDs = withoutID(rule.DependencyIDs, id)

	if s.checkCycles {
		edges, err := s.lockEdges(tx)
		if err != nil {
			return nil, err
		}
		if err := checkAcyclic(edges, id, rule.DependencyIDs); err != nil {
			return nil, err
		}
	}

	now := s.now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	_, err = tx.Exec(`
		INSERT INTO rules (id, tenant_id, name, description, query, target_table, execution_group,
			execution_stage, active, severity, drops_records, effective_from, effective_to,
			dependency_ids, created_by, remediation_hint, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, rule.ID, s.tenantID, rule.Name, rule.Description, rule.Query, rule.TargetTable,
		rule.ExecutionGroup, rule.ExecutionStage, rule.Active, string(rule.Severity), rule.DropsRecords,
		nullTime(rule.EffectiveFrom), nullTime(rule.EffectiveTo), pq.Array(rule.DependencyIDs),
		rule.CreatedBy, rule.RemediationHint, rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert rule: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit rule: %w", err)
	}
	return rule, nil
}

// Get retrieves a rule by id
func (s *PostgresRuleStore) Get(id int64) (*Rule, error) {
	row := s.db.QueryRow(`SELECT `+ruleColumns+` FROM rules WHERE id = $1 AND tenant_id = $2`, id, s.tenantID)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

// List returns every rule for the tenant ordered by id
func (s *PostgresRuleStore) List() ([]*Rule, error) {
	return s.query(`SELECT `+ruleColumns+` FROM rules WHERE tenant_id = $1 ORDER BY id`, s.tenantID)
}

// ListActive returns all active rules for the tenant ordered by id
func (s *PostgresRuleStore) ListActive() ([]*Rule, error) {
	return s.query(`SELECT `+ruleColumns+` FROM rules WHERE tenant_id = $1 AND active = true ORDER BY id`, s.tenantID)
}

// Update merges patch into an existing rule inside a row-locking transaction
func (s *PostgresRuleStore) Update(id int64, patch RulePatch) (*Rule, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT `+ruleColumns+` FROM rules WHERE id = $1 AND tenant_id = $2 FOR UPDATE`, id, s.tenantID)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load rule: %w", err)
	}

	createdAt := rule.CreatedAt
	patch.apply(rule)
	rule.ID = id
	rule.CreatedAt = createdAt
	rule.DependencyIDs = withoutID(rule.DependencyIDs, id)

	if s.checkCycles && patch.DependencyIDs != nil {
		edges, err := s.lockEdges(tx)
		if err != nil {
			return nil, err
		}
		if err := checkAcyclic(edges, id, rule.DependencyIDs); err != nil {
			return nil, err
		}
	}

	rule.UpdatedAt = s.now().UTC()

	_, err = tx.Exec(`
		UPDATE rules
		SET name = $1, description = $2, query = $3, target_table = $4, execution_group = $5,
			execution_stage = $6, active = $7, severity = $8, drops_records = $9,
			effective_from = $10, effective_to = $11, dependency_ids = $12,
			created_by = $13, remediation_hint = $14, updated_at = $15
		WHERE id = $16 AND tenant_id = $17
	`, rule.Name, rule.Description, rule.Query, rule.TargetTable, rule.ExecutionGroup,
		rule.ExecutionStage, rule.Active, string(rule.Severity), rule.DropsRecords,
		nullTime(rule.EffectiveFrom), nullTime(rule.EffectiveTo), pq.Array(rule.DependencyIDs),
		rule.CreatedBy, rule.RemediationHint, rule.UpdatedAt, id, s.tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to update rule: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit rule update: %w", err)
	}
	return rule, nil
}

// Delete removes the rule and strips its id from every dependency list in one transaction
func (s *PostgresRuleStore) Delete(id int64) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(`DELETE FROM rules WHERE id = $1 AND tenant_id = $2`, id, s.tenantID)
	if err != nil {
		return false, fmt.Errorf("failed to delete rule: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return false, nil
	}

	_, err = tx.Exec(`
		UPDATE rules
		SET dependency_ids = array_remove(dependency_ids, $1::bigint)
		WHERE tenant_id = $2 AND $1::bigint = ANY(dependency_ids)
	`, id, s.tenantID)
	if err != nil {
		return false, fmt.Errorf("failed to scrub dependency references: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit rule deletion: %w", err)
	}
	return true, nil
}

// Dependencies resolves the rule's dependency list in order, skipping dangling ids
func (s *PostgresRuleStore) Dependencies(id int64) ([]*Rule, error) {
	rule, err := s.Get(id)
	if errors.Is(err, ErrNotFound) {
		return []*Rule{}, nil
	}
	if err != nil {
		return nil, err
	}

	ids := uniqueIDs(rule.DependencyIDs)
	if len(ids) == 0 {
		return []*Rule{}, nil
	}

	found, err := s.query(`SELECT `+ruleColumns+` FROM rules WHERE tenant_id = $1 AND id = ANY($2)`,
		s.tenantID, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*Rule, len(found))
	for _, r := range found {
		byID[r.ID] = r
	}

	deps := make([]*Rule, 0, len(ids))
	for _, depID := range ids {
		if r, ok := byID[depID]; ok {
			deps = append(deps, r)
		}
	}
	return deps, nil
}

// Dependents returns rules whose dependency list contains id
func (s *PostgresRuleStore) Dependents(id int64) ([]*Rule, error) {
	return s.query(`SELECT `+ruleColumns+` FROM rules WHERE tenant_id = $1 AND $2::bigint = ANY(dependency_ids) ORDER BY id`,
		s.tenantID, id)
}

func (s *PostgresRuleStore) query(q string, args ...any) ([]*Rule, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	rulesList := []*Rule{}
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rulesList = append(rulesList, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}
	return rulesList, nil
}

// lockEdges loads every dependency list of the tenant, locking the rows
// until the transaction ends.
func (s *PostgresRuleStore) lockEdges(tx *sql.Tx) (map[int64][]int64, error) {
	rows, err := tx.Query(`SELECT id, dependency_ids FROM rules WHERE tenant_id = $1 FOR UPDATE`, s.tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load dependency edges: %w", err)
	}
	defer rows.Close()

	edges := make(map[int64][]int64)
	for rows.Next() {
		var id int64
		var deps []int64
		if err := rows.Scan(&id, pq.Array(&deps)); err != nil {
			return nil, fmt.Errorf("failed to scan dependency edges: %w", err)
		}
		edges[id] = deps
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependency edges: %w", err)
	}
	return edges, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var (
		r        Rule
		severity string
		from, to sql.NullTime
		deps     []int64
	)
	err := row.Scan(
		&r.ID,
		&r.Name,
		&r.Description,
		&r.Query,
		&r.TargetTable,
		&r.ExecutionGroup,
		&r.ExecutionStage,
		&r.Active,
		&severity,
		&r.DropsRecords,
		&from,
		&to,
		pq.Array(&deps),
		&r.CreatedBy,
		&r.RemediationHint,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Severity = Severity(severity)
	if from.Valid {
		t := from.Time
		r.EffectiveFrom = &t
	}
	if to.Valid {
		t := to.Time
		r.EffectiveTo = &t
	}
	r.DependencyIDs = deps
	if r.DependencyIDs == nil {
		r.DependencyIDs = []int64{}
	}
	return &r, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
