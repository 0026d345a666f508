// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"

	"github.com/maintaina-com/ActiveSync/internal/sqlutil"
	"github.com/maintaina-com/ActiveSync/syncstate/storage/tables"
)

const cacheSchema = `
CREATE TABLE IF NOT EXISTS cache (
	cache_devid TEXT NOT NULL,
	cache_user TEXT NOT NULL,
	cache_data BLOB,
	PRIMARY KEY (cache_devid, cache_user)
);
`

const insertCacheSQL = "" +
	"INSERT INTO cache (cache_devid, cache_user, cache_data) VALUES ($1, $2, $3)"

const selectCacheSQL = "" +
	"SELECT cache_data FROM cache WHERE cache_devid = $1 AND cache_user = $2"

const selectCacheCountSQL = "" +
	"SELECT COUNT(*) FROM cache WHERE cache_devid = $1 AND cache_user = $2"

const updateCacheSQL = "" +
	"UPDATE cache SET cache_data = $1 WHERE cache_devid = $2 AND cache_user = $3"

const deleteCacheForDeviceUserSQL = "" +
	"DELETE FROM cache WHERE cache_devid = $1 AND cache_user = $2"

const deleteCacheForDeviceSQL = "" +
	"DELETE FROM cache WHERE cache_devid = $1"

const deleteCacheForUserSQL = "" +
	"DELETE FROM cache WHERE cache_user = $1"

type cacheStatements struct {
	db                           *sql.DB
	insertCacheStmt              *sql.Stmt
	selectCacheStmt              *sql.Stmt
	selectCacheCountStmt         *sql.Stmt
	updateCacheStmt              *sql.Stmt
	deleteCacheForDeviceUserStmt *sql.Stmt
	deleteCacheForDeviceStmt     *sql.Stmt
	deleteCacheForUserStmt       *sql.Stmt
}

func NewSqliteCacheTable(db *sql.DB) (tables.Cache, error) {
	s := &cacheStatements{db: db}
	if _, err := db.Exec(cacheSchema); err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.insertCacheStmt, insertCacheSQL},
		{&s.selectCacheStmt, selectCacheSQL},
		{&s.selectCacheCountStmt, selectCacheCountSQL},
		{&s.updateCacheStmt, updateCacheSQL},
		{&s.deleteCacheForDeviceUserStmt, deleteCacheForDeviceUserSQL},
		{&s.deleteCacheForDeviceStmt, deleteCacheForDeviceSQL},
		{&s.deleteCacheForUserStmt, deleteCacheForUserSQL},
	}.Prepare(db)
}

func (s *cacheStatements) SelectCache(ctx context.Context, txn *sql.Tx, deviceID, user string) ([]byte, error) {
	var data []byte
	err := sqlutil.TxStmt(txn, s.selectCacheStmt).QueryRowContext(ctx, deviceID, user).Scan(&data)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *cacheStatements) SelectCacheCount(ctx context.Context, txn *sql.Tx, deviceID, user string) (int, error) {
	var count int
	err := sqlutil.TxStmt(txn, s.selectCacheCountStmt).QueryRowContext(ctx, deviceID, user).Scan(&count)
	return count, err
}

func (s *cacheStatements) InsertCache(ctx context.Context, txn *sql.Tx, deviceID, user string, data []byte) error {
	_, err := sqlutil.TxStmt(txn, s.insertCacheStmt).ExecContext(ctx, deviceID, user, data)
	return err
}

func (s *cacheStatements) UpdateCache(ctx context.Context, txn *sql.Tx, deviceID, user string, data []byte) error {
	_, err := sqlutil.TxStmt(txn, s.updateCacheStmt).ExecContext(ctx, data, deviceID, user)
	return err
}

func (s *cacheStatements) DeleteCacheForDeviceUser(ctx context.Context, txn *sql.Tx, deviceID, user string) error {
	_, err := sqlutil.TxStmt(txn, s.deleteCacheForDeviceUserStmt).ExecContext(ctx, deviceID, user)
	return err
}

func (s *cacheStatements) DeleteCacheForDevice(ctx context.Context, txn *sql.Tx, deviceID string) error {
	_, err := sqlutil.TxStmt(txn, s.deleteCacheForDeviceStmt).ExecContext(ctx, deviceID)
	return err
}

func (s *cacheStatements) DeleteCacheForUser(ctx context.Context, txn *sql.Tx, user string) error {
	_, err := sqlutil.TxStmt(txn, s.deleteCacheForUserStmt).ExecContext(ctx, user)
	return err
}
