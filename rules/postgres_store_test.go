package rules

import (
	"database/sql/driver"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTenant = "tenant-1"

var testClock = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

var ruleColumnNames = []string{
	"id", "name", "description", "query", "target_table", "execution_group", "execution_stage",
	"active", "severity", "drops_records", "effective_from", "effective_to", "dependency_ids",
	"created_by", "remediation_hint", "created_at", "updated_at",
}

func newMockStore(t *testing.T, opts ...PostgresStoreOption) (*PostgresRuleStore, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := NewPostgresRuleStore(db, testTenant, opts...)
	s.now = func() time.Time { return testClock }
	return s, mock
}

// ruleRow builds a result row for a rule with the given id, name and dependency array literal.
func ruleRow(id int64, name, deps string) []driver.Value {
	return []driver.Value{
		id, name, "", "SELECT 1", "gold.orders", "DQ", int64(1),
		true, "ERROR", false, nil, nil, deps,
		"seed", "", testClock, testClock,
	}
}

func TestPostgresRuleStore_Create(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT nextval('rules_id_seq')`)).
		WillReturnRows(sqlmock.NewRows([]string{"nextval"}).AddRow(int64(7)))
	mock.ExpectExec(`INSERT INTO rules`).
		WithArgs(int64(7), testTenant, "DQ-7", "", "", "", "", 0, false, "", false,
			sqlmock.AnyArg(), sqlmock.AnyArg(), "{1,2}", "", "", testClock, testClock).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// 7 is the id being assigned, so it is stripped
	rule, err := s.Create(RuleInput{Name: "DQ-7", DependencyIDs: []int64{1, 7, 2}})
	require.NoError(t, err)

	assert.Equal(t, int64(7), rule.ID)
	assert.Equal(t, []int64{1, 2}, rule.DependencyIDs)
	assert.Equal(t, testClock, rule.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRuleStore_CreateRejectsCycle(t *testing.T) {
	s, mock := newMockStore(t, WithPostgresCycleCheck())

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT nextval('rules_id_seq')`)).
		WillReturnRows(sqlmock.NewRows([]string{"nextval"}).AddRow(int64(3)))
	// rule 1 already lists 3 as a forward reference
	mock.ExpectQuery(`SELECT id, dependency_ids FROM rules WHERE tenant_id = \$1 FOR UPDATE`).
		WithArgs(testTenant).
		WillReturnRows(sqlmock.NewRows([]string{"id", "dependency_ids"}).
			AddRow(int64(1), "{3}").
			AddRow(int64(2), "{}"))
	mock.ExpectRollback()

	_, err := s.Create(RuleInput{Name: "closes the loop", DependencyIDs: []int64{1}})
	assert.ErrorIs(t, err, ErrDependencyCycle)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRuleStore_GetNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .+ FROM rules WHERE id = \$1 AND tenant_id = \$2`).
		WithArgs(int64(42), testTenant).
		WillReturnRows(sqlmock.NewRows(ruleColumnNames))

	_, err := s.Get(42)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRuleStore_GetScansEveryColumn(t *testing.T) {
	s, mock := newMockStore(t)

	from := time.Date(2025, 5, 15, 0, 0, 0, 0, time.UTC)
	row := ruleRow(2, "DQ-2 Invalid Status", "{1}")
	row[10] = from

	mock.ExpectQuery(`SELECT .+ FROM rules WHERE id = \$1 AND tenant_id = \$2`).
		WithArgs(int64(2), testTenant).
		WillReturnRows(sqlmock.NewRows(ruleColumnNames).AddRow(row...))

	rule, err := s.Get(2)
	require.NoError(t, err)

	assert.Equal(t, "DQ-2 Invalid Status", rule.Name)
	assert.Equal(t, SeverityError, rule.Severity)
	assert.Equal(t, 1, rule.ExecutionStage)
	require.NotNil(t, rule.EffectiveFrom)
	assert.True(t, rule.EffectiveFrom.Equal(from))
	assert.Nil(t, rule.EffectiveTo)
	assert.Equal(t, []int64{1}, rule.DependencyIDs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRuleStore_Update(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM rules WHERE id = \$1 AND tenant_id = \$2 FOR UPDATE`).
		WithArgs(int64(2), testTenant).
		WillReturnRows(sqlmock.NewRows(ruleColumnNames).AddRow(ruleRow(2, "old", "{1}")...))
	mock.ExpectExec(`UPDATE rules\s+SET name = \$1`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	name := "new"
	rule, err := s.Update(2, RulePatch{Name: &name})
	require.NoError(t, err)

	assert.Equal(t, "new", rule.Name)
	assert.Equal(t, []int64{1}, rule.DependencyIDs)
	assert.Equal(t, testClock, rule.UpdatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRuleStore_UpdateNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows(ruleColumnNames))
	mock.ExpectRollback()

	name := "ghost"
	_, err := s.Update(9, RulePatch{Name: &name})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRuleStore_DeleteScrubsReferences(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM rules WHERE id = $1 AND tenant_id = $2`)).
		WithArgs(int64(1), testTenant).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`SET dependency_ids = array_remove(dependency_ids, $1::bigint)`)).
		WithArgs(int64(1), testTenant).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	removed, err := s.Delete(1)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRuleStore_DeleteNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM rules`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	removed, err := s.Delete(5)
	require.NoError(t, err)
	assert.False(t, removed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRuleStore_DependenciesKeepListOrder(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .+ FROM rules WHERE id = \$1 AND tenant_id = \$2`).
		WithArgs(int64(5), testTenant).
		WillReturnRows(sqlmock.NewRows(ruleColumnNames).AddRow(ruleRow(5, "RI-1", "{3,1,3,9}")...))
	// 9 no longer resolves
	mock.ExpectQuery(`SELECT .+ FROM rules WHERE tenant_id = \$1 AND id = ANY\(\$2\)`).
		WithArgs(testTenant, "{3,1,9}").
		WillReturnRows(sqlmock.NewRows(ruleColumnNames).
			AddRow(ruleRow(1, "DQ-1", "{}")...).
			AddRow(ruleRow(3, "DQ-3", "{1}")...))

	deps, err := s.Dependencies(5)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 1}, ruleIDs(deps))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRuleStore_DependenciesUnknownRule(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .+ FROM rules WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows(ruleColumnNames))

	deps, err := s.Dependencies(5)
	require.NoError(t, err)
	assert.Empty(t, deps)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRuleStore_Dependents(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .+ FROM rules WHERE tenant_id = \$1 AND \$2::bigint = ANY\(dependency_ids\) ORDER BY id`).
		WithArgs(testTenant, int64(1)).
		WillReturnRows(sqlmock.NewRows(ruleColumnNames).
			AddRow(ruleRow(2, "B", "{1}")...).
			AddRow(ruleRow(3, "C", "{1,2}")...))

	dependents, err := s.Dependents(1)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3}, ruleIDs(dependents))
	assert.Equal(t, []int64{1, 2}, dependents[1].DependencyIDs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRuleStore_ListActive(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .+ FROM rules WHERE tenant_id = \$1 AND active = true ORDER BY id`).
		WithArgs(testTenant).
		WillReturnRows(sqlmock.NewRows(ruleColumnNames).AddRow(ruleRow(1, "A", "{}")...))

	active, err := s.ListActive()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.NotNil(t, active[0].DependencyIDs)
	assert.Empty(t, active[0].DependencyIDs)
	assert.NoError(t, mock.ExpectationsWereMet())
}
