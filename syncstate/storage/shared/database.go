// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package shared

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/maintaina-com/ActiveSync/internal/sqlutil"
	"github.com/maintaina-com/ActiveSync/syncstate/storage/tables"
	"github.com/maintaina-com/ActiveSync/syncstate/types"
)

// Database is the dialect-neutral sync-state store. It owns the
// transaction boundaries; the table implementations only run statements.
type Database struct {
	DB         *sql.DB
	Writer     sqlutil.Writer
	State      tables.SyncState
	Map        tables.SyncMap
	MailMap    tables.MailMap
	Device     tables.Device
	DeviceUser tables.DeviceUser
	Cache      tables.Cache
}

// RemoveStateOptions selects which rows RemoveState drops. The non-empty
// fields form the restriction; see RemoveState for the supported
// combinations.
type RemoveStateOptions struct {
	DeviceID string
	User     string
	FolderID string
	SyncKey  string
}

// SelectState returns the state row stored under the given sync key, or
// types.ErrStateGone if there is none (or it belongs to another folder).
func (d *Database) SelectState(ctx context.Context, syncKey, folderID string) (*tables.StateRow, error) {
	row, err := d.State.SelectState(ctx, nil, syncKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrStateGone
	}
	if err != nil {
		return nil, errors.Wrap(err, "selecting sync state")
	}
	if folderID != "" && row.FolderID != folderID {
		return nil, types.ErrStateGone
	}
	return row, nil
}

// SaveState persists a state row with replace semantics: any previous row
// under the same sync key is dropped in the same transaction, so a retried
// request overwrites its earlier, possibly partial attempt cleanly.
func (d *Database) SaveState(ctx context.Context, row *tables.StateRow) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		if err := d.State.DeleteState(ctx, txn, row.SyncKey); err != nil {
			return errors.Wrap(err, "clearing previous state attempt")
		}
		return errors.Wrap(d.State.InsertState(ctx, txn, row), "inserting sync state")
	})
}

// UpdateSyncStamp performs the stamp-only refresh of an idle collection.
// The old stamp guards the update; exactly one of two concurrent callers
// wins and the loser reports false.
func (d *Database) UpdateSyncStamp(ctx context.Context, syncKey string, oldMod, newMod int64) (bool, error) {
	var won bool
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		var err error
		won, err = d.State.UpdateStamp(ctx, txn, syncKey, oldMod, newMod)
		return err
	})
	return won, err
}

// StatesForFolder returns every state row of the given collection.
func (d *Database) StatesForFolder(ctx context.Context, deviceID, folderID, user string) ([]tables.StateRow, error) {
	return d.State.SelectStatesForFolder(ctx, nil, deviceID, folderID, user)
}

// UpdateStateData rewrites the snapshot blob of one state row in place.
func (d *Database) UpdateStateData(ctx context.Context, syncKey string, data []byte) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.State.UpdateStateData(ctx, txn, syncKey, data)
	})
}

// LatestStateKeyForFolder returns the newest generation known for a
// collection, or the zero key if the collection has no state.
func (d *Database) LatestStateKeyForFolder(ctx context.Context, deviceID, folderID, user string) (types.SyncKey, error) {
	keys, err := d.State.SelectStateKeysForFolder(ctx, nil, deviceID, folderID, user)
	if err != nil {
		return types.SyncKey{}, err
	}
	var latest types.SyncKey
	for _, raw := range keys {
		key, err := types.ParseSyncKey(raw)
		if err != nil {
			continue // stale series residue, GC will take it
		}
		if key.Counter > latest.Counter {
			latest = key
		}
	}
	return latest, nil
}

// SeriesCollides reports whether any state row of the device on a folder
// other than the given one uses the given series. A fresh series that
// collides must be regenerated.
func (d *Database) SeriesCollides(ctx context.Context, deviceID, currentFolder, series string) (bool, error) {
	keys, err := d.State.SelectStateKeysForDevice(ctx, nil, deviceID)
	if err != nil {
		return false, err
	}
	for _, entry := range keys {
		if entry.FolderID == currentFolder {
			continue
		}
		key, err := types.ParseSyncKey(entry.SyncKey)
		if err != nil {
			continue
		}
		if key.Series == series {
			return true, nil
		}
	}
	return false, nil
}

// LastSyncTimestamp returns the wallclock of the most recent state save
// for the device and user.
func (d *Database) LastSyncTimestamp(ctx context.Context, deviceID, user string) (int64, error) {
	return d.State.SelectMaxTimestamp(ctx, nil, deviceID, user)
}

// GC drops stale generations around the current sync key: state rows keep
// the current and previous generation of the series (a client that never
// saw the acknowledgement for N may legitimately re-present N-1), map and
// mailmap rows keep the current generation only. Rows whose key does not
// parse are residue of abandoned series and are dropped too.
func (d *Database) GC(ctx context.Context, deviceID, folderID, user string, current types.SyncKey) (int, error) {
	deleted := 0
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		stateKeys, err := d.State.SelectStateKeysForFolder(ctx, txn, deviceID, folderID, user)
		if err != nil {
			return err
		}
		var staleStates []string
		for _, raw := range stateKeys {
			key, err := types.ParseSyncKey(raw)
			if err != nil {
				staleStates = append(staleStates, raw)
				continue
			}
			if key.SameSeries(current) && key.Counter+1 < current.Counter {
				staleStates = append(staleStates, raw)
			}
		}
		if err = d.State.DeleteStateKeys(ctx, txn, staleStates); err != nil {
			return err
		}
		deleted += len(staleStates)

		mapKeys, err := d.Map.SelectKeysForDeviceUser(ctx, txn, deviceID, user)
		if err != nil {
			return err
		}
		stale := staleMapKeys(mapKeys, current)
		if err = d.Map.DeleteMapKeys(ctx, txn, stale); err != nil {
			return err
		}
		deleted += len(stale)

		mailKeys, err := d.MailMap.SelectKeysForDeviceUser(ctx, txn, deviceID, user)
		if err != nil {
			return err
		}
		stale = staleMapKeys(mailKeys, current)
		if err = d.MailMap.DeleteMailMapKeys(ctx, txn, stale); err != nil {
			return err
		}
		deleted += len(stale)
		return nil
	})
	return deleted, err
}

// staleMapKeys filters the map generations to drop: anything of the
// current series older than the current generation. Keys of other series
// are left alone, they belong to other folders of the same device.
func staleMapKeys(raw []string, current types.SyncKey) []string {
	var stale []string
	for _, k := range raw {
		key, err := types.ParseSyncKey(k)
		if err != nil {
			stale = append(stale, k)
			continue
		}
		if key.SameSeries(current) && key.Counter < current.Counter {
			stale = append(stale, k)
		}
	}
	return stale
}

func (d *Database) InsertMapRow(ctx context.Context, row *tables.MapRow) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.Map.InsertMap(ctx, txn, row)
	})
}

func (d *Database) InsertMailMapRow(ctx context.Context, row *tables.MailMapRow) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.MailMap.InsertMailMap(ctx, txn, row)
	})
}

// UIDForClientID returns the server uid previously assigned to a client
// Add tagged with the given client id, or "" if this client id was never
// seen.
func (d *Database) UIDForClientID(ctx context.Context, deviceID, user, clientID string) (string, error) {
	uid, err := d.Map.SelectUIDByClientID(ctx, nil, deviceID, user, clientID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return uid, err
}

// HasMapRow reports whether the uid already has a map row under the given
// sync key.
func (d *Database) HasMapRow(ctx context.Context, deviceID, user, messageUID, syncKey string) (bool, error) {
	return d.Map.SelectMapRowExists(ctx, nil, deviceID, user, messageUID, syncKey)
}

func (d *Database) ChangeTimestamps(
	ctx context.Context, deviceID, user, folderID string,
	syncKeys, messageUIDs []string, deletedOnly bool,
) (map[string]int64, error) {
	return d.Map.SelectChangeTimestamps(ctx, nil, deviceID, user, folderID, syncKeys, messageUIDs, deletedOnly)
}

func (d *Database) MailMapRows(
	ctx context.Context, deviceID, user, folderID string, syncKeys, messageUIDs []string,
) ([]tables.MailMapRow, error) {
	return d.MailMap.SelectMailMapRows(ctx, nil, deviceID, user, folderID, syncKeys, messageUIDs)
}

func (d *Database) HasPIMMapRows(ctx context.Context, deviceID, user, folderID string, syncKeys []string) (bool, error) {
	return d.Map.SelectMapExistsForKeys(ctx, nil, deviceID, user, folderID, syncKeys)
}

// SelectDevice returns the device row, or types.ErrDeviceNotFound.
func (d *Database) SelectDevice(ctx context.Context, deviceID string) (*tables.DeviceRow, error) {
	row, err := d.Device.SelectDevice(ctx, nil, deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrDeviceNotFound
	}
	return row, err
}

// SetDevice inserts or updates device metadata. The supported class list
// is written once and never overwritten; user agent and properties follow
// every sync. A missing (device, user) pair is created with policy key 0.
func (d *Database) SetDevice(ctx context.Context, row *tables.DeviceRow, user string) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		existing, err := d.Device.SelectDevice(ctx, txn, row.ID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if err = d.Device.InsertDevice(ctx, txn, row); err != nil {
				return errors.Wrap(err, "inserting device")
			}
		case err != nil:
			return errors.Wrap(err, "selecting device")
		default:
			if err = d.Device.UpdateDevice(ctx, txn, row.ID, row.UserAgent, row.Properties); err != nil {
				return errors.Wrap(err, "updating device")
			}
			if len(existing.Supported) == 0 && len(row.Supported) > 0 {
				if err = d.Device.UpdateDeviceSupported(ctx, txn, row.ID, row.Supported); err != nil {
					return errors.Wrap(err, "updating device supported classes")
				}
			}
		}
		if user == "" {
			return nil
		}
		exists, err := d.DeviceUser.SelectDeviceUserExists(ctx, txn, row.ID, user)
		if err != nil {
			return errors.Wrap(err, "selecting device user")
		}
		if !exists {
			return errors.Wrap(d.DeviceUser.InsertDeviceUser(ctx, txn, &tables.DeviceUserRow{
				DeviceID: row.ID,
				User:     user,
			}), "inserting device user")
		}
		return nil
	})
}

// DeviceExists returns how many records match the device id, restricted to
// the given user when non-empty. 0 means the device is unknown.
func (d *Database) DeviceExists(ctx context.Context, deviceID, user string) (int, error) {
	return d.Device.SelectDeviceCount(ctx, nil, deviceID, user)
}

func (d *Database) ListDevices(ctx context.Context, user string, filters map[string]string) ([]tables.DeviceListEntry, error) {
	return d.Device.SelectDevices(ctx, nil, user, filters)
}

func (d *Database) PolicyKey(ctx context.Context, deviceID, user string) (int64, error) {
	key, err := d.DeviceUser.SelectPolicyKey(ctx, nil, deviceID, user)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, types.ErrDeviceNotFound
	}
	return key, err
}

func (d *Database) SetPolicyKey(ctx context.Context, deviceID, user string, policyKey int64) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.DeviceUser.UpdatePolicyKey(ctx, txn, deviceID, user, policyKey)
	})
}

// ResetAllPolicyKeys zeroes every policy key, forcing a global reprovision.
func (d *Database) ResetAllPolicyKeys(ctx context.Context) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.DeviceUser.ResetAllPolicyKeys(ctx, txn)
	})
}

// SetDeviceRWStatus updates the wipe status. Arming a wipe (PENDING)
// additionally zeroes the device's policy keys so the next request from
// any of its users is forced through Provision.
func (d *Database) SetDeviceRWStatus(ctx context.Context, deviceID string, status types.RWStatus) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		if err := d.Device.UpdateRWStatus(ctx, txn, deviceID, status); err != nil {
			return errors.Wrap(err, "updating rwstatus")
		}
		if status == types.RWStatusPending {
			return errors.Wrap(d.DeviceUser.ResetPolicyKeysForDevice(ctx, txn, deviceID), "resetting policy keys")
		}
		return nil
	})
}

// RemoveState drops state in one of the modes selected by opts:
//
//	{device, user}       state/map/mailmap for device+user, the
//	                     device_user row and the cache row
//	{device, user, id}   the same restricted to one collection
//	{device}             everything the device owns, including the
//	                     device row itself
//	{user}               all state of the user on every device, plus any
//	                     device left without users
//	{synckey}            the rows of a single sync key
//
// A {device, user} call against a device whose wipe status is pending or
// done escalates to the {device} form: the device row must not survive
// still armed for wipe.
func (d *Database) RemoveState(ctx context.Context, opts RemoveStateOptions) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		switch {
		case opts.SyncKey != "":
			if err := d.State.DeleteState(ctx, txn, opts.SyncKey); err != nil {
				return err
			}
			if err := d.Map.DeleteMapsBySyncKey(ctx, txn, opts.SyncKey); err != nil {
				return err
			}
			return d.MailMap.DeleteMailMapsBySyncKey(ctx, txn, opts.SyncKey)

		case opts.DeviceID != "" && opts.User != "" && opts.FolderID != "":
			if err := d.State.DeleteStatesForFolder(ctx, txn, opts.DeviceID, opts.User, opts.FolderID); err != nil {
				return err
			}
			if err := d.Map.DeleteMapsForFolder(ctx, txn, opts.DeviceID, opts.User, opts.FolderID); err != nil {
				return err
			}
			return d.MailMap.DeleteMailMapsForFolder(ctx, txn, opts.DeviceID, opts.User, opts.FolderID)

		case opts.DeviceID != "" && opts.User != "":
			device, err := d.Device.SelectDevice(ctx, txn, opts.DeviceID)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return err
			}
			if device != nil && !device.RWStatus.Provisioned() {
				// Wipe pending or done: drop the user restriction so the
				// device row itself goes too.
				return d.removeDevice(ctx, txn, opts.DeviceID)
			}
			if err := d.State.DeleteStatesForDeviceUser(ctx, txn, opts.DeviceID, opts.User); err != nil {
				return err
			}
			if err := d.Map.DeleteMapsForDeviceUser(ctx, txn, opts.DeviceID, opts.User); err != nil {
				return err
			}
			if err := d.MailMap.DeleteMailMapsForDeviceUser(ctx, txn, opts.DeviceID, opts.User); err != nil {
				return err
			}
			if err := d.DeviceUser.DeleteDeviceUser(ctx, txn, opts.DeviceID, opts.User); err != nil {
				return err
			}
			return d.Cache.DeleteCacheForDeviceUser(ctx, txn, opts.DeviceID, opts.User)

		case opts.DeviceID != "":
			return d.removeDevice(ctx, txn, opts.DeviceID)

		case opts.User != "":
			if err := d.State.DeleteStatesForUser(ctx, txn, opts.User); err != nil {
				return err
			}
			if err := d.Map.DeleteMapsForUser(ctx, txn, opts.User); err != nil {
				return err
			}
			if err := d.MailMap.DeleteMailMapsForUser(ctx, txn, opts.User); err != nil {
				return err
			}
			if err := d.DeviceUser.DeleteDeviceUsersForUser(ctx, txn, opts.User); err != nil {
				return err
			}
			if err := d.Cache.DeleteCacheForUser(ctx, txn, opts.User); err != nil {
				return err
			}
			return d.Device.DeleteOrphanDevices(ctx, txn)

		default:
			return &types.InvariantViolation{Reason: "RemoveState called without a restriction"}
		}
	})
}

func (d *Database) removeDevice(ctx context.Context, txn *sql.Tx, deviceID string) error {
	if err := d.State.DeleteStatesForDevice(ctx, txn, deviceID); err != nil {
		return err
	}
	if err := d.Map.DeleteMapsForDevice(ctx, txn, deviceID); err != nil {
		return err
	}
	if err := d.MailMap.DeleteMailMapsForDevice(ctx, txn, deviceID); err != nil {
		return err
	}
	if err := d.DeviceUser.DeleteDeviceUsersForDevice(ctx, txn, deviceID); err != nil {
		return err
	}
	if err := d.Cache.DeleteCacheForDevice(ctx, txn, deviceID); err != nil {
		return err
	}
	return d.Device.DeleteDevice(ctx, txn, deviceID)
}

// SyncCache returns the cache blob for the device and user, or nil when
// no row exists.
func (d *Database) SyncCache(ctx context.Context, deviceID, user string) ([]byte, error) {
	data, err := d.Cache.SelectCache(ctx, nil, deviceID, user)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return data, err
}

// PutSyncCache upserts the cache blob: one count probe decides between
// insert and update.
func (d *Database) PutSyncCache(ctx context.Context, deviceID, user string, data []byte) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		count, err := d.Cache.SelectCacheCount(ctx, txn, deviceID, user)
		if err != nil {
			return err
		}
		if count == 0 {
			return d.Cache.InsertCache(ctx, txn, deviceID, user, data)
		}
		return d.Cache.UpdateCache(ctx, txn, deviceID, user, data)
	})
}

// DeleteSyncCache deletes the cache rows matching the non-empty arguments.
func (d *Database) DeleteSyncCache(ctx context.Context, deviceID, user string) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		switch {
		case deviceID != "" && user != "":
			return d.Cache.DeleteCacheForDeviceUser(ctx, txn, deviceID, user)
		case deviceID != "":
			return d.Cache.DeleteCacheForDevice(ctx, txn, deviceID)
		case user != "":
			return d.Cache.DeleteCacheForUser(ctx, txn, user)
		}
		return nil
	})
}
