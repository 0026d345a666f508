package shared

import (
	"context"
	"database/sql"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/maintaina-com/ActiveSync/internal/sqlutil"
	"github.com/maintaina-com/ActiveSync/syncstate/storage/tables"
	"github.com/maintaina-com/ActiveSync/syncstate/types"
)

// stubStateTable lets the tests inject failures underneath the shared
// transaction handling.
type stubStateTable struct {
	tables.SyncState
	deleteErr error
	insertErr error
	deleted   []string
	inserted  []string
	stampWon  bool
}

func (s *stubStateTable) DeleteState(_ context.Context, _ *sql.Tx, syncKey string) error {
	if s.deleteErr != nil {
		return s.deleteErr
	}
	s.deleted = append(s.deleted, syncKey)
	return nil
}

func (s *stubStateTable) InsertState(_ context.Context, _ *sql.Tx, row *tables.StateRow) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	s.inserted = append(s.inserted, row.SyncKey)
	return nil
}

func (s *stubStateTable) UpdateStamp(_ context.Context, _ *sql.Tx, _ string, _, _ int64) (bool, error) {
	return s.stampWon, nil
}

func mustMockDatabase(t *testing.T, state tables.SyncState) (*Database, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Database{
		DB:     db,
		Writer: sqlutil.NewDummyWriter(),
		State:  state,
	}, mock
}

// The save is one transaction: when the insert fails after the delete,
// everything rolls back and no half-state is exposed.
func TestSaveStateRollsBackOnInsertFailure(t *testing.T) {
	state := &stubStateTable{insertErr: errors.New("disk is sideways")}
	d, mock := mustMockDatabase(t, state)
	mock.ExpectBegin()
	mock.ExpectRollback()

	err := d.SaveState(context.Background(), &tables.StateRow{SyncKey: "{abc}2"})
	require.Error(t, err)
	require.Equal(t, []string{"{abc}2"}, state.deleted)
	require.Empty(t, state.inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveStateCommits(t *testing.T) {
	state := &stubStateTable{}
	d, mock := mustMockDatabase(t, state)
	mock.ExpectBegin()
	mock.ExpectCommit()

	err := d.SaveState(context.Background(), &tables.StateRow{SyncKey: "{abc}3"})
	require.NoError(t, err)
	require.Equal(t, []string{"{abc}3"}, state.deleted)
	require.Equal(t, []string{"{abc}3"}, state.inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

// The optimistic stamp refresh reports whether this caller won; losing is
// not an error.
func TestUpdateSyncStampReportsLoss(t *testing.T) {
	state := &stubStateTable{stampWon: false}
	d, mock := mustMockDatabase(t, state)
	mock.ExpectBegin()
	mock.ExpectCommit()

	won, err := d.UpdateSyncStamp(context.Background(), "{abc}3", 1, 2)
	require.NoError(t, err)
	require.False(t, won)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRemoveStateWithoutRestriction(t *testing.T) {
	d, mock := mustMockDatabase(t, &stubStateTable{})
	mock.ExpectBegin()
	mock.ExpectRollback()

	err := d.RemoveState(context.Background(), RemoveStateOptions{})
	var violation *types.InvariantViolation
	require.ErrorAs(t, err, &violation)
	require.NoError(t, mock.ExpectationsWereMet())
}
