// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"context"

	"github.com/maintaina-com/ActiveSync/syncstate/storage/shared"
	"github.com/maintaina-com/ActiveSync/syncstate/storage/tables"
	"github.com/maintaina-com/ActiveSync/syncstate/types"
)

// Database is the sync-state store consumed by the state manager.
type Database interface {
	// state snapshots
	SelectState(ctx context.Context, syncKey, folderID string) (*tables.StateRow, error)
	SaveState(ctx context.Context, row *tables.StateRow) error
	UpdateSyncStamp(ctx context.Context, syncKey string, oldMod, newMod int64) (bool, error)
	StatesForFolder(ctx context.Context, deviceID, folderID, user string) ([]tables.StateRow, error)
	UpdateStateData(ctx context.Context, syncKey string, data []byte) error
	LatestStateKeyForFolder(ctx context.Context, deviceID, folderID, user string) (types.SyncKey, error)
	SeriesCollides(ctx context.Context, deviceID, currentFolder, series string) (bool, error)
	LastSyncTimestamp(ctx context.Context, deviceID, user string) (int64, error)
	GC(ctx context.Context, deviceID, folderID, user string, current types.SyncKey) (int, error)

	// change maps
	InsertMapRow(ctx context.Context, row *tables.MapRow) error
	InsertMailMapRow(ctx context.Context, row *tables.MailMapRow) error
	UIDForClientID(ctx context.Context, deviceID, user, clientID string) (string, error)
	HasMapRow(ctx context.Context, deviceID, user, messageUID, syncKey string) (bool, error)
	ChangeTimestamps(ctx context.Context, deviceID, user, folderID string, syncKeys, messageUIDs []string, deletedOnly bool) (map[string]int64, error)
	MailMapRows(ctx context.Context, deviceID, user, folderID string, syncKeys, messageUIDs []string) ([]tables.MailMapRow, error)
	HasPIMMapRows(ctx context.Context, deviceID, user, folderID string, syncKeys []string) (bool, error)

	// device registry
	SelectDevice(ctx context.Context, deviceID string) (*tables.DeviceRow, error)
	SetDevice(ctx context.Context, row *tables.DeviceRow, user string) error
	DeviceExists(ctx context.Context, deviceID, user string) (int, error)
	ListDevices(ctx context.Context, user string, filters map[string]string) ([]tables.DeviceListEntry, error)
	PolicyKey(ctx context.Context, deviceID, user string) (int64, error)
	SetPolicyKey(ctx context.Context, deviceID, user string, policyKey int64) error
	ResetAllPolicyKeys(ctx context.Context) error
	SetDeviceRWStatus(ctx context.Context, deviceID string, status types.RWStatus) error

	// lifecycle
	RemoveState(ctx context.Context, opts shared.RemoveStateOptions) error

	// sync cache
	SyncCache(ctx context.Context, deviceID, user string) ([]byte, error)
	PutSyncCache(ctx context.Context, deviceID, user string, data []byte) error
	DeleteSyncCache(ctx context.Context, deviceID, user string) error
}
