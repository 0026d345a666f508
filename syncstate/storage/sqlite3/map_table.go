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

// The map table is the append-only log of client-originated changes for
// non-email classes, consulted before echoing server changes back.
const mapSchema = `
CREATE TABLE IF NOT EXISTS map (
	message_uid TEXT NOT NULL,
	sync_modtime BIGINT,
	sync_key TEXT NOT NULL,
	sync_devid TEXT NOT NULL,
	sync_folderid TEXT NOT NULL,
	sync_user TEXT NOT NULL,
	sync_clientid TEXT,
	sync_deleted BOOLEAN
);
CREATE INDEX IF NOT EXISTS map_context_idx ON map(sync_devid, sync_user, sync_folderid);
CREATE INDEX IF NOT EXISTS map_synckey_idx ON map(sync_key);
`

const insertMapSQL = "" +
	"INSERT INTO map (message_uid, sync_modtime, sync_key, sync_devid, sync_folderid, sync_user, sync_clientid, sync_deleted)" +
	" VALUES ($1, $2, $3, $4, $5, $6, $7, $8)"

const selectUIDByClientIDSQL = "" +
	"SELECT message_uid FROM map WHERE sync_devid = $1 AND sync_user = $2 AND sync_clientid = $3" +
	" ORDER BY sync_modtime DESC LIMIT 1"

const selectMapRowExistsSQL = "" +
	"SELECT COUNT(*) FROM map WHERE sync_devid = $1 AND sync_user = $2 AND message_uid = $3 AND sync_key = $4"

const selectMapExistsForKeysSQL = "" +
	"SELECT COUNT(*) FROM map WHERE sync_devid = $1 AND sync_user = $2 AND sync_folderid = $3 AND sync_key IN ($4)"

const selectChangeTimestampsSQL = "" +
	"SELECT message_uid, MAX(sync_modtime) FROM map" +
	" WHERE sync_devid = $1 AND sync_user = $2 AND sync_folderid = $3 AND sync_key IN ($4) AND message_uid IN ($5)" +
	" GROUP BY message_uid"

const selectChangeTimestampsDeletedSQL = "" +
	"SELECT message_uid, MAX(sync_modtime) FROM map" +
	" WHERE sync_devid = $1 AND sync_user = $2 AND sync_folderid = $3 AND sync_deleted = TRUE AND sync_key IN ($4) AND message_uid IN ($5)" +
	" GROUP BY message_uid"

const selectMapKeysForDeviceUserSQL = "" +
	"SELECT DISTINCT sync_key FROM map WHERE sync_devid = $1 AND sync_user = $2"

const deleteMapKeysSQL = "" +
	"DELETE FROM map WHERE sync_key IN ($1)"

const deleteMapsForDeviceUserSQL = "" +
	"DELETE FROM map WHERE sync_devid = $1 AND sync_user = $2"

const deleteMapsForFolderSQL = "" +
	"DELETE FROM map WHERE sync_devid = $1 AND sync_user = $2 AND sync_folderid = $3"

const deleteMapsForDeviceSQL = "" +
	"DELETE FROM map WHERE sync_devid = $1"

const deleteMapsForUserSQL = "" +
	"DELETE FROM map WHERE sync_user = $1"

const deleteMapsBySyncKeySQL = "" +
	"DELETE FROM map WHERE sync_key = $1"

type mapStatements struct {
	db                             *sql.DB
	insertMapStmt                  *sql.Stmt
	selectUIDByClientIDStmt        *sql.Stmt
	selectMapRowExistsStmt         *sql.Stmt
	selectMapKeysForDeviceUserStmt *sql.Stmt
	deleteMapsForDeviceUserStmt    *sql.Stmt
	deleteMapsForFolderStmt        *sql.Stmt
	deleteMapsForDeviceStmt        *sql.Stmt
	deleteMapsForUserStmt          *sql.Stmt
	deleteMapsBySyncKeyStmt        *sql.Stmt
	// variadic statements prepared on demand
}

func NewSqliteMapTable(db *sql.DB) (tables.SyncMap, error) {
	s := &mapStatements{db: db}
	if _, err := db.Exec(mapSchema); err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.insertMapStmt, insertMapSQL},
		{&s.selectUIDByClientIDStmt, selectUIDByClientIDSQL},
		{&s.selectMapRowExistsStmt, selectMapRowExistsSQL},
		{&s.selectMapKeysForDeviceUserStmt, selectMapKeysForDeviceUserSQL},
		{&s.deleteMapsForDeviceUserStmt, deleteMapsForDeviceUserSQL},
		{&s.deleteMapsForFolderStmt, deleteMapsForFolderSQL},
		{&s.deleteMapsForDeviceStmt, deleteMapsForDeviceSQL},
		{&s.deleteMapsForUserStmt, deleteMapsForUserSQL},
		{&s.deleteMapsBySyncKeyStmt, deleteMapsBySyncKeySQL},
	}.Prepare(db)
}

func (s *mapStatements) InsertMap(ctx context.Context, txn *sql.Tx, row *tables.MapRow) error {
	_, err := sqlutil.TxStmt(txn, s.insertMapStmt).ExecContext(ctx,
		row.MessageUID, row.ModTime, row.SyncKey, row.DeviceID,
		row.FolderID, row.User, row.ClientID, row.Deleted,
	)
	return err
}

func (s *mapStatements) SelectUIDByClientID(ctx context.Context, txn *sql.Tx, deviceID, user, clientID string) (string, error) {
	var uid string
	err := sqlutil.TxStmt(txn, s.selectUIDByClientIDStmt).QueryRowContext(ctx, deviceID, user, clientID).Scan(&uid)
	return uid, err
}

func (s *mapStatements) SelectMapRowExists(ctx context.Context, txn *sql.Tx, deviceID, user, messageUID, syncKey string) (bool, error) {
	var count int
	err := sqlutil.TxStmt(txn, s.selectMapRowExistsStmt).QueryRowContext(ctx, deviceID, user, messageUID, syncKey).Scan(&count)
	return count > 0, err
}

func (s *mapStatements) SelectMapExistsForKeys(ctx context.Context, txn *sql.Tx, deviceID, user, folderID string, syncKeys []string) (bool, error) {
	if len(syncKeys) == 0 {
		return false, nil
	}
	params := []interface{}{deviceID, user, folderID}
	for _, key := range syncKeys {
		params = append(params, key)
	}
	query := strings.Replace(selectMapExistsForKeysSQL, "($4)", sqlutil.QueryVariadicOffset(len(syncKeys), 3), 1)
	prep, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return false, err
	}
	defer internal.CloseAndLogIfError(ctx, prep, "SelectMapExistsForKeys: prep.close() failed")
	var count int
	err = sqlutil.TxStmt(txn, prep).QueryRowContext(ctx, params...).Scan(&count)
	return count > 0, err
}

func (s *mapStatements) SelectChangeTimestamps(
	ctx context.Context, txn *sql.Tx, deviceID, user, folderID string,
	syncKeys, messageUIDs []string, deletedOnly bool,
) (map[string]int64, error) {
	result := make(map[string]int64)
	if len(syncKeys) == 0 || len(messageUIDs) == 0 {
		return result, nil
	}
	params := []interface{}{deviceID, user, folderID}
	for _, key := range syncKeys {
		params = append(params, key)
	}
	for _, uid := range messageUIDs {
		params = append(params, uid)
	}
	query := selectChangeTimestampsSQL
	if deletedOnly {
		query = selectChangeTimestampsDeletedSQL
	}
	query = strings.Replace(query, "($4)", sqlutil.QueryVariadicOffset(len(syncKeys), 3), 1)
	query = strings.Replace(query, "($5)", sqlutil.QueryVariadicOffset(len(messageUIDs), 3+len(syncKeys)), 1)
	prep, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, prep, "SelectChangeTimestamps: prep.close() failed")
	rows, err := sqlutil.TxStmt(txn, prep).QueryContext(ctx, params...)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectChangeTimestamps: rows.close() failed")
	var uid string
	var modtime sql.NullInt64
	for rows.Next() {
		if err = rows.Scan(&uid, &modtime); err != nil {
			return nil, err
		}
		if modtime.Valid {
			result[uid] = modtime.Int64
		}
	}
	return result, rows.Err()
}

func (s *mapStatements) SelectKeysForDeviceUser(ctx context.Context, txn *sql.Tx, deviceID, user string) ([]string, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectMapKeysForDeviceUserStmt).QueryContext(ctx, deviceID, user)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectKeysForDeviceUser: rows.close() failed")
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

func (s *mapStatements) DeleteMapKeys(ctx context.Context, txn *sql.Tx, syncKeys []string) error {
	if len(syncKeys) == 0 {
		return nil
	}
	params := make([]interface{}, len(syncKeys))
	for i := range syncKeys {
		params[i] = syncKeys[i]
	}
	query := strings.Replace(deleteMapKeysSQL, "($1)", sqlutil.QueryVariadic(len(syncKeys)), 1)
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
	defer internal.CloseAndLogIfError(ctx, prep, "DeleteMapKeys: prep.close() failed")
	_, err = prep.ExecContext(ctx, params...)
	return err
}

func (s *mapStatements) DeleteMapsForDeviceUser(ctx context.Context, txn *sql.Tx, deviceID, user string) error {
	_, err := sqlutil.TxStmt(txn, s.deleteMapsForDeviceUserStmt).ExecContext(ctx, deviceID, user)
	return err
}

func (s *mapStatements) DeleteMapsForFolder(ctx context.Context, txn *sql.Tx, deviceID, user, folderID string) error {
	_, err := sqlutil.TxStmt(txn, s.deleteMapsForFolderStmt).ExecContext(ctx, deviceID, user, folderID)
	return err
}

func (s *mapStatements) DeleteMapsForDevice(ctx context.Context, txn *sql.Tx, deviceID string) error {
	_, err := sqlutil.TxStmt(txn, s.deleteMapsForDeviceStmt).ExecContext(ctx, deviceID)
	return err
}

func (s *mapStatements) DeleteMapsForUser(ctx context.Context, txn *sql.Tx, user string) error {
	_, err := sqlutil.TxStmt(txn, s.deleteMapsForUserStmt).ExecContext(ctx, user)
	return err
}

func (s *mapStatements) DeleteMapsBySyncKey(ctx context.Context, txn *sql.Tx, syncKey string) error {
	_, err := sqlutil.TxStmt(txn, s.deleteMapsBySyncKeyStmt).ExecContext(ctx, syncKey)
	return err
}
