package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/homecert/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return NewPostgresWithPool(mock), mock
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS organizations`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindOrganization(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, name, type FROM organizations WHERE lower\(name\) = lower\(\$1\) AND type = \$2`).
		WithArgs("Acme Homes", model.OrgTypeBuilder).
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "type"}).AddRow("o1", "Acme Homes", "builder"))

	org, err := s.FindOrganization(context.Background(), " Acme Homes ", model.OrgTypeBuilder)
	require.NoError(t, err)
	require.NotNil(t, org)
	assert.Equal(t, "o1", org.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindOrganization_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, name, type FROM organizations`).
		WithArgs("Nobody", model.OrgTypeBuilder).
		WillReturnError(pgx.ErrNoRows)

	org, err := s.FindOrganization(context.Background(), "Nobody", model.OrgTypeBuilder)
	require.NoError(t, err)
	assert.Nil(t, org)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, file, status, summary, created_at, updated_at FROM runs WHERE id = \$1`).
		WithArgs("nonexistent-run").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), "nonexistent-run")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "get run")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindCities_WithState(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM cities WHERE lower\(name\) = lower\(\$1\) AND state = \$2`).
		WithArgs("Austin", "TX").
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "state", "county_id"}).
			AddRow("c1", "Austin", "TX", "k1"))

	cities, err := s.FindCities(context.Background(), "Austin", "TX")
	require.NoError(t, err)
	require.Len(t, cities, 1)
	assert.Equal(t, "k1", cities[0].CountyID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateHomeStatus_Certified(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`(?s)UPDATE home_statuses SET .* WHERE id = \$6 AND certification_date IS NULL`).
		WithArgs("", "inspection", "", 50.0, pgxmock.AnyArg(), "hs1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT certification_date IS NOT NULL FROM home_statuses WHERE id = \$1`).
		WithArgs("hs1").
		WillReturnRows(pgxmock.NewRows([]string{"certified"}).AddRow(true))

	err := s.UpdateHomeStatus(context.Background(), &model.HomeStatus{ID: "hs1", State: model.StateInspection, PctComplete: 50})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCertified)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateHomeStatus_Updated(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE home_statuses SET`).
		WithArgs("fp1", "certification_pending", "completed", 100.0, pgxmock.AnyArg(), "hs1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.UpdateHomeStatus(context.Background(), &model.HomeStatus{
		ID: "hs1", FloorplanID: "fp1", State: model.StateCertificationPending, Stage: model.StageCompleted, PctComplete: 100,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CertifyHomeStatuses(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	date := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`(?s)UPDATE home_statuses SET certification_date = \$1, state = \$2.*WHERE id = ANY\(\$3\) AND certification_date IS NULL`).
		WithArgs(date, "complete", []string{"hs1", "hs2"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectCommit()

	n, err := s.CertifyHomeStatuses(context.Background(), []string{"hs1", "hs2"}, date)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CertifyHomeStatuses_Empty(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	n, err := s.CertifyHomeStatuses(context.Background(), nil, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReplaceAnswers(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM answers WHERE home_id = \$1 AND id = ANY\(\$2\)`).
		WithArgs("h1", []string{"a1"}).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCopyFrom(pgx.Identifier{"answers"}, answerColumns).WillReturnResult(2)
	mock.ExpectCommit()

	err := s.ReplaceAnswers(context.Background(), "h1", []string{"a1"}, []model.Answer{
		{QuestionID: "q1", Value: "fail", Failing: true},
		{QuestionID: "q1", Value: "pass"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReplaceAnswers_RollsBack(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM answers`).
		WithArgs("h1", []string{"a1"}).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCopyFrom(pgx.Identifier{"answers"}, answerColumns).WillReturnError(fmt.Errorf("unique violation"))
	mock.ExpectRollback()

	err := s.ReplaceAnswers(context.Background(), "h1", []string{"a1"}, []model.Answer{{QuestionID: "q1", Value: "pass"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO answers")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CertifySampleSet_AlreadyCertified(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	date := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE sample_sets SET certification_date = \$1 WHERE id = \$2 AND certification_date IS NULL`).
		WithArgs(date, "ss1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.CertifySampleSet(context.Background(), "ss1", date)
	assert.ErrorIs(t, err, ErrCertified)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AddSampleSetMember(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`(?s)INSERT INTO sample_set_members .* ON CONFLICT \(home_status_id\) DO UPDATE`).
		WithArgs("ss1", "hs1", true).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.AddSampleSetMember(context.Background(), model.SampleSetMember{SampleSetID: "ss1", HomeStatusID: "hs1", SourceOfTruth: true})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AddSampleSetMember_OtherSet(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`(?s)INSERT INTO sample_set_members .* WHERE sample_set_members.sample_set_id = EXCLUDED.sample_set_id`).
		WithArgs("ss2", "hs1", false).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	err := s.AddSampleSetMember(context.Background(), model.SampleSetMember{SampleSetID: "ss2", HomeStatusID: "hs1"})
	assert.ErrorIs(t, err, ErrOtherSampleSet)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindSampleSetMembership(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT sample_set_id, home_status_id, source_of_truth FROM sample_set_members WHERE home_status_id = \$1`).
		WithArgs("hs1").
		WillReturnRows(pgxmock.NewRows([]string{"sample_set_id", "home_status_id", "source_of_truth"}).
			AddRow("ss1", "hs1", true))
	mock.ExpectQuery(`FROM sample_set_members WHERE home_status_id = \$1`).
		WithArgs("hs2").
		WillReturnError(pgx.ErrNoRows)

	m, err := s.FindSampleSetMembership(context.Background(), "hs1")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "ss1", m.SampleSetID)
	assert.True(t, m.SourceOfTruth)

	m, err = s.FindSampleSetMembership(context.Background(), "hs2")
	require.NoError(t, err)
	assert.Nil(t, m)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListRuns(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`FROM runs WHERE 1=1 AND status = \$1 ORDER BY created_at DESC LIMIT \$2`).
		WithArgs("complete", 10).
		WillReturnRows(pgxmock.NewRows([]string{"id", "file", "status", "summary", "created_at", "updated_at"}).
			AddRow("r1", "homes.xlsx", "complete", []byte(`{"committed":2}`), now, now))

	runs, err := s.ListRuns(context.Background(), RunFilter{Status: model.RunStatusComplete, Limit: 10})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.NotNil(t, runs[0].Summary)
	assert.Equal(t, 2, runs[0].Summary.Committed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FinishRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE runs SET status = \$1, summary = \$2, updated_at = \$3 WHERE id = \$4`).
		WithArgs("failed", pgxmock.AnyArg(), pgxmock.AnyArg(), "r1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.FinishRun(context.Background(), "r1", model.RunStatusFailed, nil)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Close(t *testing.T) {
	s, _ := newMockPostgresStore(t)
	assert.NoError(t, s.Close())
}
