// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/maintaina-com/ActiveSync/syncstate/storage/shared"
	"github.com/maintaina-com/ActiveSync/syncstate/storage/tables"
	"github.com/maintaina-com/ActiveSync/syncstate/types"
)

// UpdateState records one change against the current state.
//
// Client-originated (PIM) changes mutate the in-memory folder list on
// FolderSync and append a row to the change map on Sync, so the change is
// never echoed back to the device that sent it. Server-originated changes
// are removed from the pending list once dispatched and, on FolderSync,
// refresh the in-memory folder snapshot.
func (m *StateManager) UpdateState(ctx context.Context, changeType types.ChangeType, change types.Change, origin types.ChangeOrigin) error {
	m.haveChanges = true
	m.log.WithFields(logrus.Fields{
		"type":   string(changeType),
		"uid":    change.UID,
		"origin": origin.String(),
	}).Debug("Updating sync state")

	if origin == types.OriginServer {
		return m.updateFromServer(ctx, changeType, change)
	}
	return m.updateFromPIM(ctx, changeType, change)
}

func (m *StateManager) updateFromPIM(ctx context.Context, changeType types.ChangeType, change types.Change) error {
	if m.requestType == types.RequestTypeFolderSync {
		// The folder list is only mutated in memory here; the next
		// SaveState persists it.
		m.removeFolder(change.UID)
		if changeType != types.ChangeTypeDelete && change.Folder != nil {
			m.folders.Folders = append(m.folders.Folders, *change.Folder)
		}
		return nil
	}

	key, err := m.resolveSyncKey(ctx)
	if err != nil {
		return err
	}
	db, err := m.store()
	if err != nil {
		return err
	}

	if m.collectionClass() == types.ClassEmail {
		row := mailMapRow(changeType, change)
		row.SyncKey = key.String()
		row.DeviceID = m.deviceID
		row.FolderID = m.folderID()
		row.User = m.user
		return m.fatalIf(db.InsertMailMapRow(ctx, row), "recording mail change")
	}

	return m.fatalIf(db.InsertMapRow(ctx, &tables.MapRow{
		MessageUID: change.UID,
		ModTime:    change.ModTime,
		SyncKey:    key.String(),
		DeviceID:   m.deviceID,
		FolderID:   m.folderID(),
		User:       m.user,
		ClientID:   change.ClientID,
		Deleted:    changeType == types.ChangeTypeDelete,
	}), "recording change")
}

// mailMapRow builds the mailmap row for an email change: exactly one
// column is populated, matching the incoming change. A CHANGE carrying
// flags is promoted to FLAGS first.
func mailMapRow(changeType types.ChangeType, change types.Change) *tables.MailMapRow {
	if changeType == types.ChangeTypeChange && !change.Flags.Empty() {
		changeType = types.ChangeTypeFlags
	}
	row := &tables.MailMapRow{MessageUID: change.UID}
	yes := true
	switch changeType {
	case types.ChangeTypeFlags:
		switch {
		case change.Flags.Read != nil:
			row.Read = change.Flags.Read
		case change.Flags.Flagged != nil:
			row.Flagged = change.Flags.Flagged
		case len(change.Flags.Categories) > 0:
			digest := change.Flags.CategoryDigest()
			row.Category = &digest
		}
	case types.ChangeTypeDelete, types.ChangeTypeSoftDelete:
		row.Deleted = &yes
	case types.ChangeTypeDraft:
		row.Draft = &yes
	default:
		row.Changed = &yes
	}
	return row
}

func (m *StateManager) updateFromServer(ctx context.Context, changeType types.ChangeType, change types.Change) error {
	m.removePending(change.UID, changeType)

	if m.requestType != types.RequestTypeFolderSync {
		return nil
	}
	if changeType == types.ChangeTypeDelete {
		m.removeFolder(change.UID)
		return nil
	}
	serverID := change.UID
	if change.Folder != nil {
		serverID = change.Folder.ServerID
	}
	folder, err := m.backend.GetFolder(ctx, serverID)
	if err != nil {
		return m.fatal(err, "fetching folder from backend")
	}
	stat := m.backend.StatFolder(folder.ID, folder.ParentID, folder.DisplayName, folder.ServerID, folder.Type)
	m.removeFolder(stat.ID)
	m.folders.Folders = append(m.folders.Folders, *stat)
	return nil
}

func (m *StateManager) removeFolder(id string) {
	if m.folders == nil {
		return
	}
	folders := m.folders.Folders[:0]
	for _, f := range m.folders.Folders {
		if f.ID != id {
			folders = append(folders, f)
		}
	}
	m.folders.Folders = folders
}

// removePending drops the dispatched change from the pending list so it
// is not redelivered on the next cycle.
func (m *StateManager) removePending(uid string, changeType types.ChangeType) {
	pending := m.pending[:0]
	for _, c := range m.pending {
		if c.UID == uid && c.Type == changeType {
			continue
		}
		pending = append(pending, c)
	}
	m.pending = pending
}

// AppendPending queues server changes that did not fit the client's
// window; they are persisted with the state and drained later.
func (m *StateManager) AppendPending(changes ...types.Change) {
	m.pending = append(m.pending, changes...)
}

// resolveSyncKey returns the loaded sync key, falling back to the latest
// key known for the collection for requests that do not carry one (e.g. a
// MoveItems import).
func (m *StateManager) resolveSyncKey(ctx context.Context) (types.SyncKey, error) {
	if !m.syncKey.IsZero() {
		return m.syncKey, nil
	}
	db, err := m.store()
	if err != nil {
		return types.SyncKey{}, err
	}
	key, err := db.LatestStateKeyForFolder(ctx, m.deviceID, m.folderID(), m.user)
	if err != nil {
		return types.SyncKey{}, m.fatal(err, "resolving latest sync key")
	}
	if key.IsZero() {
		return types.SyncKey{}, &types.InvariantViolation{Reason: "no sync key known for collection " + m.folderID()}
	}
	return key, nil
}

// UpdateServerIdInState rewrites the backend server id embedded in every
// state row of the given collection. Used when a folder is renamed on the
// backend but keeps its client-facing uid.
func (m *StateManager) UpdateServerIdInState(ctx context.Context, folderUID, newServerID string) error {
	db, err := m.store()
	if err != nil {
		return err
	}
	rows, err := db.StatesForFolder(ctx, m.deviceID, folderUID, m.user)
	if err != nil {
		return m.fatal(err, "loading states for server id update")
	}
	for i := range rows {
		state, err := types.DecodeCollectionState(rows[i].Data, "")
		if err != nil {
			return m.fatal(err, "decoding state for server id update")
		}
		state.ServerID = newServerID
		data, err := state.Encode()
		if err != nil {
			return m.fatal(err, "encoding state for server id update")
		}
		if err = db.UpdateStateData(ctx, rows[i].SyncKey, data); err != nil {
			return m.fatal(err, "writing state for server id update")
		}
	}
	m.log.WithFields(logrus.Fields{
		"folder_uid": folderUID,
		"server_id":  newServerID,
		"rows":       len(rows),
	}).Info("Updated server id in stored state")
	return nil
}

// ResetDeviceState drops all state of one collection, or of the whole
// hierarchy when called with the foldersync sentinel, and persists the
// accordingly emptied cache.
func (m *StateManager) ResetDeviceState(ctx context.Context, collectionID string) error {
	db, err := m.store()
	if err != nil {
		return err
	}
	m.log.WithField("collection", collectionID).Info("Resetting device state")
	if err = db.RemoveState(ctx, shared.RemoveStateOptions{
		DeviceID: m.deviceID,
		User:     m.user,
		FolderID: collectionID,
	}); err != nil {
		return m.fatal(err, "removing state for reset")
	}
	cache, err := m.GetSyncCache(ctx)
	if err != nil {
		return err
	}
	if collectionID == types.FolderSyncID {
		cache.ClearHierarchy()
	} else {
		cache.RemoveCollection(collectionID)
	}
	return m.SaveSyncCache(ctx, cache)
}

func (m *StateManager) fatalIf(err error, msg string) error {
	if err == nil {
		return nil
	}
	return m.fatal(err, msg)
}
