// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/maintaina-com/ActiveSync/internal"
	"github.com/maintaina-com/ActiveSync/internal/sqlutil"
	"github.com/maintaina-com/ActiveSync/syncstate/storage/tables"
	"github.com/maintaina-com/ActiveSync/syncstate/types"
)

const deviceSchema = `
CREATE TABLE IF NOT EXISTS device (
	device_id TEXT NOT NULL PRIMARY KEY,
	device_type TEXT,
	device_agent TEXT,
	device_rwstatus INTEGER NOT NULL DEFAULT 0,
	device_supported BLOB,
	device_properties BLOB
);
`

const insertDeviceSQL = "" +
	"INSERT INTO device (device_id, device_type, device_agent, device_rwstatus, device_supported, device_properties)" +
	" VALUES ($1, $2, $3, $4, $5, $6)"

const selectDeviceSQL = "" +
	"SELECT device_id, device_type, device_agent, device_rwstatus, device_supported, device_properties" +
	" FROM device WHERE device_id = $1"

const selectDeviceCountSQL = "" +
	"SELECT COUNT(*) FROM device WHERE device_id = $1"

const selectDeviceUserCountSQL = "" +
	"SELECT COUNT(*) FROM device" +
	" JOIN device_user ON device.device_id = device_user.device_id" +
	" WHERE device.device_id = $1 AND device_user.device_user = $2"

const selectDevicesSQL = "" +
	"SELECT device.device_id, device_type, device_agent, device_rwstatus, device_supported, device_properties," +
	" device_user.device_user, device_user.device_policykey" +
	" FROM device JOIN device_user ON device.device_id = device_user.device_id"

const updateDeviceSQL = "" +
	"UPDATE device SET device_agent = $1, device_properties = $2 WHERE device_id = $3"

const updateDeviceSupportedSQL = "" +
	"UPDATE device SET device_supported = $1 WHERE device_id = $2"

const updateDeviceRWStatusSQL = "" +
	"UPDATE device SET device_rwstatus = $1 WHERE device_id = $2"

const deleteDeviceSQL = "" +
	"DELETE FROM device WHERE device_id = $1"

const deleteOrphanDevicesSQL = "" +
	"DELETE FROM device WHERE device_id NOT IN (SELECT DISTINCT device_id FROM device_user)"

type deviceStatements struct {
	db                        *sql.DB
	insertDeviceStmt          *sql.Stmt
	selectDeviceStmt          *sql.Stmt
	selectDeviceCountStmt     *sql.Stmt
	selectDeviceUserCountStmt *sql.Stmt
	updateDeviceStmt          *sql.Stmt
	updateDeviceSupportedStmt *sql.Stmt
	updateDeviceRWStatusStmt  *sql.Stmt
	deleteDeviceStmt          *sql.Stmt
	deleteOrphanDevicesStmt   *sql.Stmt
	// device listing built dynamically from its filters
}

func NewSqliteDeviceTable(db *sql.DB) (tables.Device, error) {
	s := &deviceStatements{db: db}
	if _, err := db.Exec(deviceSchema); err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.insertDeviceStmt, insertDeviceSQL},
		{&s.selectDeviceStmt, selectDeviceSQL},
		{&s.selectDeviceCountStmt, selectDeviceCountSQL},
		{&s.selectDeviceUserCountStmt, selectDeviceUserCountSQL},
		{&s.updateDeviceStmt, updateDeviceSQL},
		{&s.updateDeviceSupportedStmt, updateDeviceSupportedSQL},
		{&s.updateDeviceRWStatusStmt, updateDeviceRWStatusSQL},
		{&s.deleteDeviceStmt, deleteDeviceSQL},
		{&s.deleteOrphanDevicesStmt, deleteOrphanDevicesSQL},
	}.Prepare(db)
}

func (s *deviceStatements) InsertDevice(ctx context.Context, txn *sql.Tx, row *tables.DeviceRow) error {
	_, err := sqlutil.TxStmt(txn, s.insertDeviceStmt).ExecContext(ctx,
		row.ID, row.Type, row.UserAgent, int(row.RWStatus), row.Supported, row.Properties,
	)
	return err
}

func (s *deviceStatements) SelectDevice(ctx context.Context, txn *sql.Tx, deviceID string) (*tables.DeviceRow, error) {
	var row tables.DeviceRow
	var rwstatus int
	err := sqlutil.TxStmt(txn, s.selectDeviceStmt).QueryRowContext(ctx, deviceID).Scan(
		&row.ID, &row.Type, &row.UserAgent, &rwstatus, &row.Supported, &row.Properties,
	)
	if err != nil {
		return nil, err
	}
	row.RWStatus = types.RWStatus(rwstatus)
	return &row, nil
}

func (s *deviceStatements) SelectDeviceCount(ctx context.Context, txn *sql.Tx, deviceID, user string) (int, error) {
	var count int
	var err error
	if user == "" {
		err = sqlutil.TxStmt(txn, s.selectDeviceCountStmt).QueryRowContext(ctx, deviceID).Scan(&count)
	} else {
		err = sqlutil.TxStmt(txn, s.selectDeviceUserCountStmt).QueryRowContext(ctx, deviceID, user).Scan(&count)
	}
	return count, err
}

func (s *deviceStatements) SelectDevices(ctx context.Context, txn *sql.Tx, user string, filters map[string]string) ([]tables.DeviceListEntry, error) {
	var (
		builder strings.Builder
		args    []interface{}
		argPos  int
	)
	builder.WriteString(selectDevicesSQL)
	joiner := "\n WHERE "
	if user != "" {
		argPos++
		builder.WriteString(fmt.Sprintf("%sdevice_user.device_user = $%d", joiner, argPos))
		args = append(args, user)
		joiner = "\n AND "
	}
	for column, pattern := range filters {
		if !tables.DeviceFilterColumns[column] {
			return nil, fmt.Errorf("device listing cannot filter on %q", column)
		}
		qualified := "device." + column
		if column == "device_user" {
			qualified = "device_user.device_user"
		}
		argPos++
		builder.WriteString(fmt.Sprintf("%s%s LIKE $%d", joiner, qualified, argPos))
		args = append(args, pattern)
		joiner = "\n AND "
	}
	builder.WriteString("\n ORDER BY device.device_id, device_user.device_user")
	prep, err := s.db.PrepareContext(ctx, builder.String())
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, prep, "SelectDevices: prep.close() failed")
	rows, err := sqlutil.TxStmt(txn, prep).QueryContext(ctx, args...)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectDevices: rows.close() failed")
	var result []tables.DeviceListEntry
	for rows.Next() {
		var entry tables.DeviceListEntry
		var rwstatus int
		if err = rows.Scan(
			&entry.Device.ID, &entry.Device.Type, &entry.Device.UserAgent, &rwstatus,
			&entry.Device.Supported, &entry.Device.Properties,
			&entry.User, &entry.PolicyKey,
		); err != nil {
			return nil, err
		}
		entry.Device.RWStatus = types.RWStatus(rwstatus)
		result = append(result, entry)
	}
	return result, rows.Err()
}

func (s *deviceStatements) UpdateDevice(ctx context.Context, txn *sql.Tx, deviceID, userAgent string, properties []byte) error {
	_, err := sqlutil.TxStmt(txn, s.updateDeviceStmt).ExecContext(ctx, userAgent, properties, deviceID)
	return err
}

func (s *deviceStatements) UpdateDeviceSupported(ctx context.Context, txn *sql.Tx, deviceID string, supported []byte) error {
	_, err := sqlutil.TxStmt(txn, s.updateDeviceSupportedStmt).ExecContext(ctx, supported, deviceID)
	return err
}

func (s *deviceStatements) UpdateRWStatus(ctx context.Context, txn *sql.Tx, deviceID string, status types.RWStatus) error {
	_, err := sqlutil.TxStmt(txn, s.updateDeviceRWStatusStmt).ExecContext(ctx, int(status), deviceID)
	return err
}

func (s *deviceStatements) DeleteDevice(ctx context.Context, txn *sql.Tx, deviceID string) error {
	_, err := sqlutil.TxStmt(txn, s.deleteDeviceStmt).ExecContext(ctx, deviceID)
	return err
}

func (s *deviceStatements) DeleteOrphanDevices(ctx context.Context, txn *sql.Tx) error {
	_, err := sqlutil.TxStmt(txn, s.deleteOrphanDevicesStmt).ExecContext(ctx)
	return err
}
