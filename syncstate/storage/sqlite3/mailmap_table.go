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

// The mailmap table is the email-flavoured change log: one nullable
// column per flag kind, only the column matching the incoming change is
// set. Installations predating draft sync gain the sync_draft column
// through ensureSQLiteColumns below.
const mailMapSchema = `
CREATE TABLE IF NOT EXISTS mailmap (
	message_uid TEXT NOT NULL,
	sync_key TEXT NOT NULL,
	sync_devid TEXT NOT NULL,
	sync_folderid TEXT NOT NULL,
	sync_user TEXT NOT NULL,
	sync_read BOOLEAN,
	sync_flagged BOOLEAN,
	sync_deleted BOOLEAN,
	sync_changed BOOLEAN,
	sync_category TEXT,
	sync_draft BOOLEAN
);
CREATE INDEX IF NOT EXISTS mailmap_context_idx ON mailmap(sync_devid, sync_user, sync_folderid);
CREATE INDEX IF NOT EXISTS mailmap_synckey_idx ON mailmap(sync_key);
`

const insertMailMapSQL = "" +
	"INSERT INTO mailmap (message_uid, sync_key, sync_devid, sync_folderid, sync_user, sync_read, sync_flagged, sync_deleted, sync_changed, sync_category, sync_draft)" +
	" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)"

const selectMailMapRowsSQL = "" +
	"SELECT message_uid, sync_key, sync_devid, sync_folderid, sync_user, sync_read, sync_flagged, sync_deleted, sync_changed, sync_category, sync_draft" +
	" FROM mailmap WHERE sync_devid = $1 AND sync_user = $2 AND sync_folderid = $3 AND sync_key IN ($4) AND message_uid IN ($5)"

const selectMailMapKeysForDeviceUserSQL = "" +
	"SELECT DISTINCT sync_key FROM mailmap WHERE sync_devid = $1 AND sync_user = $2"

const deleteMailMapKeysSQL = "" +
	"DELETE FROM mailmap WHERE sync_key IN ($1)"

const deleteMailMapsForDeviceUserSQL = "" +
	"DELETE FROM mailmap WHERE sync_devid = $1 AND sync_user = $2"

const deleteMailMapsForFolderSQL = "" +
	"DELETE FROM mailmap WHERE sync_devid = $1 AND sync_user = $2 AND sync_folderid = $3"

const deleteMailMapsForDeviceSQL = "" +
	"DELETE FROM mailmap WHERE sync_devid = $1"

const deleteMailMapsForUserSQL = "" +
	"DELETE FROM mailmap WHERE sync_user = $1"

const deleteMailMapsBySyncKeySQL = "" +
	"DELETE FROM mailmap WHERE sync_key = $1"

type mailMapStatements struct {
	db                                 *sql.DB
	insertMailMapStmt                  *sql.Stmt
	selectMailMapKeysForDeviceUserStmt *sql.Stmt
	deleteMailMapsForDeviceUserStmt    *sql.Stmt
	deleteMailMapsForFolderStmt        *sql.Stmt
	deleteMailMapsForDeviceStmt        *sql.Stmt
	deleteMailMapsForUserStmt          *sql.Stmt
	deleteMailMapsBySyncKeyStmt        *sql.Stmt
	// variadic statements prepared on demand
}

func NewSqliteMailMapTable(db *sql.DB) (tables.MailMap, error) {
	s := &mailMapStatements{db: db}
	if _, err := db.Exec(mailMapSchema); err != nil {
		return nil, err
	}
	if err := ensureSQLiteColumns(db, "mailmap", map[string]string{
		"sync_draft": "BOOLEAN",
	}); err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.insertMailMapStmt, insertMailMapSQL},
		{&s.selectMailMapKeysForDeviceUserStmt, selectMailMapKeysForDeviceUserSQL},
		{&s.deleteMailMapsForDeviceUserStmt, deleteMailMapsForDeviceUserSQL},
		{&s.deleteMailMapsForFolderStmt, deleteMailMapsForFolderSQL},
		{&s.deleteMailMapsForDeviceStmt, deleteMailMapsForDeviceSQL},
		{&s.deleteMailMapsForUserStmt, deleteMailMapsForUserSQL},
		{&s.deleteMailMapsBySyncKeyStmt, deleteMailMapsBySyncKeySQL},
	}.Prepare(db)
}

func (s *mailMapStatements) InsertMailMap(ctx context.Context, txn *sql.Tx, row *tables.MailMapRow) error {
	_, err := sqlutil.TxStmt(txn, s.insertMailMapStmt).ExecContext(ctx,
		row.MessageUID, row.SyncKey, row.DeviceID, row.FolderID, row.User,
		row.Read, row.Flagged, row.Deleted, row.Changed, row.Category, row.Draft,
	)
	return err
}

func (s *mailMapStatements) SelectMailMapRows(
	ctx context.Context, txn *sql.Tx, deviceID, user, folderID string,
	syncKeys, messageUIDs []string,
) ([]tables.MailMapRow, error) {
	if len(syncKeys) == 0 || len(messageUIDs) == 0 {
		return nil, nil
	}
	params := []interface{}{deviceID, user, folderID}
	for _, key := range syncKeys {
		params = append(params, key)
	}
	for _, uid := range messageUIDs {
		params = append(params, uid)
	}
	query := strings.Replace(selectMailMapRowsSQL, "($4)", sqlutil.QueryVariadicOffset(len(syncKeys), 3), 1)
	query = strings.Replace(query, "($5)", sqlutil.QueryVariadicOffset(len(messageUIDs), 3+len(syncKeys)), 1)
	prep, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, prep, "SelectMailMapRows: prep.close() failed")
	rows, err := sqlutil.TxStmt(txn, prep).QueryContext(ctx, params...)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectMailMapRows: rows.close() failed")
	var result []tables.MailMapRow
	for rows.Next() {
		var row tables.MailMapRow
		var read, flagged, deleted, changed, draft sql.NullBool
		var category sql.NullString
		if err = rows.Scan(
			&row.MessageUID, &row.SyncKey, &row.DeviceID, &row.FolderID, &row.User,
			&read, &flagged, &deleted, &changed, &category, &draft,
		); err != nil {
			return nil, err
		}
		if read.Valid {
			row.Read = &read.Bool
		}
		if flagged.Valid {
			row.Flagged = &flagged.Bool
		}
		if deleted.Valid {
			row.Deleted = &deleted.Bool
		}
		if changed.Valid {
			row.Changed = &changed.Bool
		}
		if category.Valid {
			row.Category = &category.String
		}
		if draft.Valid {
			row.Draft = &draft.Bool
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

func (s *mailMapStatements) SelectKeysForDeviceUser(ctx context.Context, txn *sql.Tx, deviceID, user string) ([]string, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectMailMapKeysForDeviceUserStmt).QueryContext(ctx, deviceID, user)
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

func (s *mailMapStatements) DeleteMailMapKeys(ctx context.Context, txn *sql.Tx, syncKeys []string) error {
	if len(syncKeys) == 0 {
		return nil
	}
	params := make([]interface{}, len(syncKeys))
	for i := range syncKeys {
		params[i] = syncKeys[i]
	}
	query := strings.Replace(deleteMailMapKeysSQL, "($1)", sqlutil.QueryVariadic(len(syncKeys)), 1)
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
	defer internal.CloseAndLogIfError(ctx, prep, "DeleteMailMapKeys: prep.close() failed")
	_, err = prep.ExecContext(ctx, params...)
	return err
}

func (s *mailMapStatements) DeleteMailMapsForDeviceUser(ctx context.Context, txn *sql.Tx, deviceID, user string) error {
	_, err := sqlutil.TxStmt(txn, s.deleteMailMapsForDeviceUserStmt).ExecContext(ctx, deviceID, user)
	return err
}

func (s *mailMapStatements) DeleteMailMapsForFolder(ctx context.Context, txn *sql.Tx, deviceID, user, folderID string) error {
	_, err := sqlutil.TxStmt(txn, s.deleteMailMapsForFolderStmt).ExecContext(ctx, deviceID, user, folderID)
	return err
}

func (s *mailMapStatements) DeleteMailMapsForDevice(ctx context.Context, txn *sql.Tx, deviceID string) error {
	_, err := sqlutil.TxStmt(txn, s.deleteMailMapsForDeviceStmt).ExecContext(ctx, deviceID)
	return err
}

func (s *mailMapStatements) DeleteMailMapsForUser(ctx context.Context, txn *sql.Tx, user string) error {
	_, err := sqlutil.TxStmt(txn, s.deleteMailMapsForUserStmt).ExecContext(ctx, user)
	return err
}

func (s *mailMapStatements) DeleteMailMapsBySyncKey(ctx context.Context, txn *sql.Tx, syncKey string) error {
	_, err := sqlutil.TxStmt(txn, s.deleteMailMapsBySyncKeyStmt).ExecContext(ctx, syncKey)
	return err
}
