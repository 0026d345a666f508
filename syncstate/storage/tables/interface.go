// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package tables

import (
	"context"
	"database/sql"

	"github.com/maintaina-com/ActiveSync/syncstate/types"
)

// StateRow is one generation of sync state, keyed by sync key.
type StateRow struct {
	SyncKey   string
	Data      []byte
	DeviceID  string
	FolderID  string
	User      string
	Mod       int64
	Pending   []byte
	Timestamp int64
}

// StateKey pairs a sync key with the folder it belongs to, for collision
// checks and garbage collection.
type StateKey struct {
	SyncKey  string
	FolderID string
}

// MapRow is one client-originated change recorded for loop prevention.
type MapRow struct {
	MessageUID string
	ModTime    int64
	SyncKey    string
	DeviceID   string
	FolderID   string
	User       string
	ClientID   string
	Deleted    bool
}

// MailMapRow is the email-flavoured change record. Exactly one of the
// nullable columns is set per row, matching the incoming change.
type MailMapRow struct {
	MessageUID string
	SyncKey    string
	DeviceID   string
	FolderID   string
	User       string
	Read       *bool
	Flagged    *bool
	Deleted    *bool
	Changed    *bool
	Category   *string
	Draft      *bool
}

// DeviceRow is the per-device metadata record.
type DeviceRow struct {
	ID         string
	Type       string
	UserAgent  string
	RWStatus   types.RWStatus
	Supported  []byte
	Properties []byte
}

// DeviceUserRow associates a user with a device and holds the policy key
// issued during provisioning. A policy key of 0 means "not provisioned".
type DeviceUserRow struct {
	DeviceID  string
	User      string
	PolicyKey int64
}

// DeviceListEntry is one (device, device_user) pair as returned by the
// administrative device listing.
type DeviceListEntry struct {
	Device    DeviceRow
	User      string
	PolicyKey int64
}

// DeviceFilterColumns is the closed set of columns the device listing may
// be filtered on.
var DeviceFilterColumns = map[string]bool{
	"device_id":       true,
	"device_type":     true,
	"device_agent":    true,
	"device_rwstatus": true,
	"device_user":     true,
}

type SyncState interface {
	InsertState(ctx context.Context, txn *sql.Tx, row *StateRow) error
	SelectState(ctx context.Context, txn *sql.Tx, syncKey string) (*StateRow, error)
	SelectStateKeysForDevice(ctx context.Context, txn *sql.Tx, deviceID string) ([]StateKey, error)
	SelectStateKeysForFolder(ctx context.Context, txn *sql.Tx, deviceID, folderID, user string) ([]string, error)
	SelectStatesForFolder(ctx context.Context, txn *sql.Tx, deviceID, folderID, user string) ([]StateRow, error)
	SelectMaxTimestamp(ctx context.Context, txn *sql.Tx, deviceID, user string) (int64, error)
	UpdateStateData(ctx context.Context, txn *sql.Tx, syncKey string, data []byte) error
	UpdateStamp(ctx context.Context, txn *sql.Tx, syncKey string, oldMod, newMod int64) (bool, error)
	DeleteState(ctx context.Context, txn *sql.Tx, syncKey string) error
	DeleteStateKeys(ctx context.Context, txn *sql.Tx, syncKeys []string) error
	DeleteStatesForDeviceUser(ctx context.Context, txn *sql.Tx, deviceID, user string) error
	DeleteStatesForFolder(ctx context.Context, txn *sql.Tx, deviceID, user, folderID string) error
	DeleteStatesForDevice(ctx context.Context, txn *sql.Tx, deviceID string) error
	DeleteStatesForUser(ctx context.Context, txn *sql.Tx, user string) error
}

type SyncMap interface {
	InsertMap(ctx context.Context, txn *sql.Tx, row *MapRow) error
	SelectUIDByClientID(ctx context.Context, txn *sql.Tx, deviceID, user, clientID string) (string, error)
	SelectMapRowExists(ctx context.Context, txn *sql.Tx, deviceID, user, messageUID, syncKey string) (bool, error)
	SelectMapExistsForKeys(ctx context.Context, txn *sql.Tx, deviceID, user, folderID string, syncKeys []string) (bool, error)
	SelectChangeTimestamps(ctx context.Context, txn *sql.Tx, deviceID, user, folderID string, syncKeys, messageUIDs []string, deletedOnly bool) (map[string]int64, error)
	SelectKeysForDeviceUser(ctx context.Context, txn *sql.Tx, deviceID, user string) ([]string, error)
	DeleteMapKeys(ctx context.Context, txn *sql.Tx, syncKeys []string) error
	DeleteMapsForDeviceUser(ctx context.Context, txn *sql.Tx, deviceID, user string) error
	DeleteMapsForFolder(ctx context.Context, txn *sql.Tx, deviceID, user, folderID string) error
	DeleteMapsForDevice(ctx context.Context, txn *sql.Tx, deviceID string) error
	DeleteMapsForUser(ctx context.Context, txn *sql.Tx, user string) error
	DeleteMapsBySyncKey(ctx context.Context, txn *sql.Tx, syncKey string) error
}

type MailMap interface {
	InsertMailMap(ctx context.Context, txn *sql.Tx, row *MailMapRow) error
	SelectMailMapRows(ctx context.Context, txn *sql.Tx, deviceID, user, folderID string, syncKeys, messageUIDs []string) ([]MailMapRow, error)
	SelectKeysForDeviceUser(ctx context.Context, txn *sql.Tx, deviceID, user string) ([]string, error)
	DeleteMailMapKeys(ctx context.Context, txn *sql.Tx, syncKeys []string) error
	DeleteMailMapsForDeviceUser(ctx context.Context, txn *sql.Tx, deviceID, user string) error
	DeleteMailMapsForFolder(ctx context.Context, txn *sql.Tx, deviceID, user, folderID string) error
	DeleteMailMapsForDevice(ctx context.Context, txn *sql.Tx, deviceID string) error
	DeleteMailMapsForUser(ctx context.Context, txn *sql.Tx, user string) error
	DeleteMailMapsBySyncKey(ctx context.Context, txn *sql.Tx, syncKey string) error
}

type Device interface {
	InsertDevice(ctx context.Context, txn *sql.Tx, row *DeviceRow) error
	SelectDevice(ctx context.Context, txn *sql.Tx, deviceID string) (*DeviceRow, error)
	SelectDeviceCount(ctx context.Context, txn *sql.Tx, deviceID, user string) (int, error)
	SelectDevices(ctx context.Context, txn *sql.Tx, user string, filters map[string]string) ([]DeviceListEntry, error)
	UpdateDevice(ctx context.Context, txn *sql.Tx, deviceID, userAgent string, properties []byte) error
	UpdateDeviceSupported(ctx context.Context, txn *sql.Tx, deviceID string, supported []byte) error
	UpdateRWStatus(ctx context.Context, txn *sql.Tx, deviceID string, status types.RWStatus) error
	DeleteDevice(ctx context.Context, txn *sql.Tx, deviceID string) error
	DeleteOrphanDevices(ctx context.Context, txn *sql.Tx) error
}

type DeviceUser interface {
	InsertDeviceUser(ctx context.Context, txn *sql.Tx, row *DeviceUserRow) error
	SelectDeviceUserExists(ctx context.Context, txn *sql.Tx, deviceID, user string) (bool, error)
	SelectPolicyKey(ctx context.Context, txn *sql.Tx, deviceID, user string) (int64, error)
	UpdatePolicyKey(ctx context.Context, txn *sql.Tx, deviceID, user string, policyKey int64) error
	ResetAllPolicyKeys(ctx context.Context, txn *sql.Tx) error
	ResetPolicyKeysForDevice(ctx context.Context, txn *sql.Tx, deviceID string) error
	DeleteDeviceUser(ctx context.Context, txn *sql.Tx, deviceID, user string) error
	DeleteDeviceUsersForDevice(ctx context.Context, txn *sql.Tx, deviceID string) error
	DeleteDeviceUsersForUser(ctx context.Context, txn *sql.Tx, user string) error
}

type Cache interface {
	SelectCache(ctx context.Context, txn *sql.Tx, deviceID, user string) ([]byte, error)
	SelectCacheCount(ctx context.Context, txn *sql.Tx, deviceID, user string) (int, error)
	InsertCache(ctx context.Context, txn *sql.Tx, deviceID, user string, data []byte) error
	UpdateCache(ctx context.Context, txn *sql.Tx, deviceID, user string, data []byte) error
	DeleteCacheForDeviceUser(ctx context.Context, txn *sql.Tx, deviceID, user string) error
	DeleteCacheForDevice(ctx context.Context, txn *sql.Tx, deviceID string) error
	DeleteCacheForUser(ctx context.Context, txn *sql.Tx, user string) error
}
