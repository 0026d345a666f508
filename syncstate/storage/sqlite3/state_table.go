// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"strings"

	"github.com/maintaina-com/ActiveSync/internal"
	"github.com/maintaina-com/ActiveSync/internal/sqlutil"
	"github.com/maintaina-com/ActiveSync/syncstate/storage/tables"
)

// The state table holds one row per sync key generation. Compatibility
// note: table and column names match deployed installations, do not
// rename them.
const stateSchema = `
CREATE TABLE IF NOT EXISTS state (
	sync_key TEXT NOT NULL PRIMARY KEY,
	sync_data BLOB,
	sync_devid TEXT NOT NULL,
	sync_folderid TEXT NOT NULL,
	sync_user TEXT NOT NULL,
	sync_mod BIGINT NOT NULL DEFAULT 0,
	sync_pending BLOB,
	sync_timestamp BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS state_folder_idx ON state(sync_devid, sync_user, sync_folderid);
`

const insertStateSQL = "" +
	"INSERT INTO state (sync_key, sync_data, sync_devid, sync_folderid, sync_user, sync_mod, sync_pending, sync_timestamp)" +
	" VALUES ($1, $2, $3, $4, $5, $6, $7, $8)"

const selectStateSQL = "" +
	"SELECT sync_key, sync_data, sync_devid, sync_folderid, sync_user, sync_mod, sync_pending, sync_timestamp" +
	" FROM state WHERE sync_key = $1"

const selectStateKeysForDeviceSQL = "" +
	"SELECT sync_key, sync_folderid FROM state WHERE sync_devid = $1"

const selectStateKeysForFolderSQL = "" +
	"SELECT sync_key FROM state WHERE sync_devid = $1 AND sync_folderid = $2 AND sync_user = $3"

const selectStatesForFolderSQL = "" +
	"SELECT sync_key, sync_data, sync_devid, sync_folderid, sync_user, sync_mod, sync_pending, sync_timestamp" +
	" FROM state WHERE sync_devid = $1 AND sync_folderid = $2 AND sync_user = $3"

const selectMaxStateTimestampSQL = "" +
	"SELECT COALESCE(MAX(sync_timestamp), 0) FROM state WHERE sync_devid = $1 AND sync_user = $2"

const updateStateDataSQL = "" +
	"UPDATE state SET sync_data = $1 WHERE sync_key = $2"

const updateStampSQL = "" +
	"UPDATE state SET sync_mod = $1 WHERE sync_key = $2 AND sync_mod = $3"

const deleteStateSQL = "" +
	"DELETE FROM state WHERE sync_key = $1"

const deleteStateKeysSQL = "" +
	"DELETE FROM state WHERE sync_key IN ($1)"

const deleteStatesForDeviceUserSQL = "" +
	"DELETE FROM state WHERE sync_devid = $1 AND sync_user = $2"

const deleteStatesForFolderSQL = "" +
	"DELETE FROM state WHERE sync_devid = $1 AND sync_user = $2 AND sync_folderid = $3"

const deleteStatesForDeviceSQL = "" +
	"DELETE FROM state WHERE sync_devid = $1"

const deleteStatesForUserSQL = "" +
	"DELETE FROM state WHERE sync_user = $1"

type stateStatements struct {
	db                           *sql.DB
	insertStateStmt              *sql.Stmt
	selectStateStmt              *sql.Stmt
	selectStateKeysForDeviceStmt *sql.Stmt
	selectStateKeysForFolderStmt *sql.Stmt
	selectStatesForFolderStmt    *sql.Stmt
	selectMaxStateTimestampStmt  *sql.Stmt
	updateStateDataStmt          *sql.Stmt
	updateStampStmt              *sql.Stmt
	deleteStateStmt              *sql.Stmt
	deleteStatesForDeviceUserStmt *sql.Stmt
	deleteStatesForFolderStmt    *sql.Stmt
	deleteStatesForDeviceStmt    *sql.Stmt
	deleteStatesForUserStmt      *sql.Stmt
}

func NewSqliteStateTable(db *sql.DB) (tables.SyncState, error) {
	s := &stateStatements{db: db}
	if _, err := db.Exec(stateSchema); err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.insertStateStmt, insertStateSQL},
		{&s.selectStateStmt, selectStateSQL},
		{&s.selectStateKeysForDeviceStmt, selectStateKeysForDeviceSQL},
		{&s.selectStateKeysForFolderStmt, selectStateKeysForFolderSQL},
		{&s.selectStatesForFolderStmt, selectStatesForFolderSQL},
		{&s.selectMaxStateTimestampStmt, selectMaxStateTimestampSQL},
		{&s.updateStateDataStmt, updateStateDataSQL},
		{&s.updateStampStmt, updateStampSQL},
		{&s.deleteStateStmt, deleteStateSQL},
		{&s.deleteStatesForDeviceUserStmt, deleteStatesForDeviceUserSQL},
		{&s.deleteStatesForFolderStmt, deleteStatesForFolderSQL},
		{&s.deleteStatesForDeviceStmt, deleteStatesForDeviceSQL},
		{&s.deleteStatesForUserStmt, deleteStatesForUserSQL},
	}.Prepare(db)
}

func (s *stateStatements) InsertState(ctx context.Context, txn *sql.Tx, row *tables.StateRow) error {
	_, err := sqlutil.TxStmt(txn, s.insertStateStmt).ExecContext(ctx,
		row.SyncKey, row.Data, row.DeviceID, row.FolderID, row.User,
		row.Mod, row.Pending, row.Timestamp,
	)
	return err
}

func (s *stateStatements) SelectState(ctx context.Context, txn *sql.Tx, syncKey string) (*tables.StateRow, error) {
	var row tables.StateRow
	err := sqlutil.TxStmt(txn, s.selectStateStmt).QueryRowContext(ctx, syncKey).Scan(
		&row.SyncKey, &row.Data, &row.DeviceID, &row.FolderID, &row.User,
		&row.Mod, &row.Pending, &row.Timestamp,
	)
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *stateStatements) SelectStateKeysForDevice(ctx context.Context, txn *sql.Tx, deviceID string) ([]tables.StateKey, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectStateKeysForDeviceStmt).QueryContext(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectStateKeysForDevice: rows.close() failed")
	var result []tables.StateKey
	var key tables.StateKey
	for rows.Next() {
		if err = rows.Scan(&key.SyncKey, &key.FolderID); err != nil {
			return nil, err
		}
		result = append(result, key)
	}
	return result, rows.Err()
}

func (s *stateStatements) SelectStateKeysForFolder(ctx context.Context, txn *sql.Tx, deviceID, folderID, user string) ([]string, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectStateKeysForFolderStmt).QueryContext(ctx, deviceID, folderID, user)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectStateKeysForFolder: rows.close() failed")
	var result []string
	var key string
	for rows.Next() {
		if err = rows.Scan(&key); err != nil {
			return nil, err
		}
		result = append(result, key)
	}
	return result, rows.Err()
}

func (s *stateStatements) SelectStatesForFolder(ctx context.Context, txn *sql.Tx, deviceID, folderID, user string) ([]tables.StateRow, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectStatesForFolderStmt).QueryContext(ctx, deviceID, folderID, user)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectStatesForFolder: rows.close() failed")
	var result []tables.StateRow
	for rows.Next() {
		var row tables.StateRow
		if err = rows.Scan(
			&row.SyncKey, &row.Data, &row.DeviceID, &row.FolderID, &row.User,
			&row.Mod, &row.Pending, &row.Timestamp,
		); err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

func (s *stateStatements) SelectMaxTimestamp(ctx context.Context, txn *sql.Tx, deviceID, user string) (int64, error) {
	var ts int64
	err := sqlutil.TxStmt(txn, s.selectMaxStateTimestampStmt).QueryRowContext(ctx, deviceID, user).Scan(&ts)
	return ts, err
}

func (s *stateStatements) UpdateStateData(ctx context.Context, txn *sql.Tx, syncKey string, data []byte) error {
	_, err := sqlutil.TxStmt(txn, s.updateStateDataStmt).ExecContext(ctx, data, syncKey)
	return err
}

func (s *stateStatements) UpdateStamp(ctx context.Context, txn *sql.Tx, syncKey string, oldMod, newMod int64) (bool, error) {
	result, err := sqlutil.TxStmt(txn, s.updateStampStmt).ExecContext(ctx, newMod, syncKey, oldMod)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	return affected > 0, err
}

func (s *stateStatements) DeleteState(ctx context.Context, txn *sql.Tx, syncKey string) error {
	_, err := sqlutil.TxStmt(txn, s.deleteStateStmt).ExecContext(ctx, syncKey)
	return err
}

func (s *stateStatements) DeleteStateKeys(ctx context.Context, txn *sql.Tx, syncKeys []string) error {
	if len(syncKeys) == 0 {
		return nil
	}
	params := make([]interface{}, len(syncKeys))
	for i := range syncKeys {
		params[i] = syncKeys[i]
	}
	query := strings.Replace(deleteStateKeysSQL, "($1)", sqlutil.QueryVariadic(len(syncKeys)), 1)
	var prep *sql.Stmt
	var err error
	if txn != nil {
		prep, err = txn.PrepareContext(ctx, query)
	} else {
		prep, err = s.db.PrepareContext(ctx, query)
	}
	if err != nil {
		return err
	}
	defer internal.CloseAndLogIfError(ctx, prep, "DeleteStateKeys: prep.close() failed")
	_, err = prep.ExecContext(ctx, params...)
	return err
}

func (s *stateStatements) DeleteStatesForDeviceUser(ctx context.Context, txn *sql.Tx, deviceID, user string) error {
	_, err := sqlutil.TxStmt(txn, s.deleteStatesForDeviceUserStmt).ExecContext(ctx, deviceID, user)
	return err
}

func (s *stateStatements) DeleteStatesForFolder(ctx context.Context, txn *sql.Tx, deviceID, user, folderID string) error {
	_, err := sqlutil.TxStmt(txn, s.deleteStatesForFolderStmt).ExecContext(ctx, deviceID, user, folderID)
	return err
}

func (s *stateStatements) DeleteStatesForDevice(ctx context.Context, txn *sql.Tx, deviceID string) error {
	_, err := sqlutil.TxStmt(txn, s.deleteStatesForDeviceStmt).ExecContext(ctx, deviceID)
	return err
}

func (s *stateStatements) DeleteStatesForUser(ctx context.Context, txn *sql.Tx, user string) error {
	_, err := sqlutil.TxStmt(txn, s.deleteStatesForUserStmt).ExecContext(ctx, user)
	return err
}
