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

const deviceUserSchema = `
CREATE TABLE IF NOT EXISTS device_user (
	device_id TEXT NOT NULL,
	device_user TEXT NOT NULL,
	device_policykey BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (device_id, device_user)
);
`

const insertDeviceUserSQL = "" +
	"INSERT INTO device_user (device_id, device_user, device_policykey)" +
	" VALUES ($1, $2, $3)"

const selectDeviceUserExistsSQL = "" +
	"SELECT COUNT(*) FROM device_user WHERE device_id = $1 AND device_user = $2"

const selectPolicyKeySQL = "" +
	"SELECT device_policykey FROM device_user WHERE device_id = $1 AND device_user = $2"

const updatePolicyKeySQL = "" +
	"UPDATE device_user SET device_policykey = $1 WHERE device_id = $2 AND device_user = $3"

const resetAllPolicyKeysSQL = "" +
	"UPDATE device_user SET device_policykey = 0"

const resetPolicyKeysForDeviceSQL = "" +
	"UPDATE device_user SET device_policykey = 0 WHERE device_id = $1"

const deleteDeviceUserSQL = "" +
	"DELETE FROM device_user WHERE device_id = $1 AND device_user = $2"

const deleteDeviceUsersForDeviceSQL = "" +
	"DELETE FROM device_user WHERE device_id = $1"

const deleteDeviceUsersForUserSQL = "" +
	"DELETE FROM device_user WHERE device_user = $1"

type deviceUserStatements struct {
	db                             *sql.DB
	insertDeviceUserStmt           *sql.Stmt
	selectDeviceUserExistsStmt     *sql.Stmt
	selectPolicyKeyStmt            *sql.Stmt
	updatePolicyKeyStmt            *sql.Stmt
	resetAllPolicyKeysStmt         *sql.Stmt
	resetPolicyKeysForDeviceStmt   *sql.Stmt
	deleteDeviceUserStmt           *sql.Stmt
	deleteDeviceUsersForDeviceStmt *sql.Stmt
	deleteDeviceUsersForUserStmt   *sql.Stmt
}

func NewSqliteDeviceUserTable(db *sql.DB) (tables.DeviceUser, error) {
	s := &deviceUserStatements{db: db}
	if _, err := db.Exec(deviceUserSchema); err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.insertDeviceUserStmt, insertDeviceUserSQL},
		{&s.selectDeviceUserExistsStmt, selectDeviceUserExistsSQL},
		{&s.selectPolicyKeyStmt, selectPolicyKeySQL},
		{&s.updatePolicyKeyStmt, updatePolicyKeySQL},
		{&s.resetAllPolicyKeysStmt, resetAllPolicyKeysSQL},
		{&s.resetPolicyKeysForDeviceStmt, resetPolicyKeysForDeviceSQL},
		{&s.deleteDeviceUserStmt, deleteDeviceUserSQL},
		{&s.deleteDeviceUsersForDeviceStmt, deleteDeviceUsersForDeviceSQL},
		{&s.deleteDeviceUsersForUserStmt, deleteDeviceUsersForUserSQL},
	}.Prepare(db)
}

func (s *deviceUserStatements) InsertDeviceUser(ctx context.Context, txn *sql.Tx, row *tables.DeviceUserRow) error {
	_, err := sqlutil.TxStmt(txn, s.insertDeviceUserStmt).ExecContext(ctx, row.DeviceID, row.User, row.PolicyKey)
	return err
}

func (s *deviceUserStatements) SelectDeviceUserExists(ctx context.Context, txn *sql.Tx, deviceID, user string) (bool, error) {
	var count int
	err := sqlutil.TxStmt(txn, s.selectDeviceUserExistsStmt).QueryRowContext(ctx, deviceID, user).Scan(&count)
	return count > 0, err
}

func (s *deviceUserStatements) SelectPolicyKey(ctx context.Context, txn *sql.Tx, deviceID, user string) (int64, error) {
	var key int64
	err := sqlutil.TxStmt(txn, s.selectPolicyKeyStmt).QueryRowContext(ctx, deviceID, user).Scan(&key)
	return key, err
}

func (s *deviceUserStatements) UpdatePolicyKey(ctx context.Context, txn *sql.Tx, deviceID, user string, policyKey int64) error {
	_, err := sqlutil.TxStmt(txn, s.updatePolicyKeyStmt).ExecContext(ctx, policyKey, deviceID, user)
	return err
}

func (s *deviceUserStatements) ResetAllPolicyKeys(ctx context.Context, txn *sql.Tx) error {
	_, err := sqlutil.TxStmt(txn, s.resetAllPolicyKeysStmt).ExecContext(ctx)
	return err
}

func (s *deviceUserStatements) ResetPolicyKeysForDevice(ctx context.Context, txn *sql.Tx, deviceID string) error {
	_, err := sqlutil.TxStmt(txn, s.resetPolicyKeysForDeviceStmt).ExecContext(ctx, deviceID)
	return err
}

func (s *deviceUserStatements) DeleteDeviceUser(ctx context.Context, txn *sql.Tx, deviceID, user string) error {
	_, err := sqlutil.TxStmt(txn, s.deleteDeviceUserStmt).ExecContext(ctx, deviceID, user)
	return err
}

func (s *deviceUserStatements) DeleteDeviceUsersForDevice(ctx context.Context, txn *sql.Tx, deviceID string) error {
	_, err := sqlutil.TxStmt(txn, s.deleteDeviceUsersForDeviceStmt).ExecContext(ctx, deviceID)
	return err
}

func (s *deviceUserStatements) DeleteDeviceUsersForUser(ctx context.Context, txn *sql.Tx, user string) error {
	_, err := sqlutil.TxStmt(txn, s.deleteDeviceUsersForUserStmt).ExecContext(ctx, user)
	return err
}
