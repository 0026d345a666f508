// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/maintaina-com/ActiveSync/setup/config"
	"github.com/maintaina-com/ActiveSync/syncstate/backend"
	"github.com/maintaina-com/ActiveSync/syncstate/storage"
	"github.com/maintaina-com/ActiveSync/syncstate/storage/tables"
	"github.com/maintaina-com/ActiveSync/syncstate/types"
)

// Opener opens a database handle for one request. Handles are released by
// Disconnect around long-poll sleeps and on request completion.
type Opener func() (storage.Database, error)

// StateManager owns the in-memory sync state for the duration of one
// request. It must never be shared across concurrent requests: all
// cross-request consistency comes from the store's transactions and from
// retaining the previous key generation.
type StateManager struct {
	open    Opener
	db      storage.Database
	cfg     *config.SyncState
	backend backend.Backend
	log     *logrus.Entry

	deviceID string
	user     string

	requestType types.RequestType
	collection  *types.Collection
	syncKey     types.SyncKey

	folders         *types.FolderSnapshot
	collectionState *types.CollectionState
	pending         []types.Change

	lastSyncStamp int64
	thisSyncStamp int64
	haveChanges   bool

	// last loaded device, see LoadDeviceInfo
	device *tables.DeviceRow
}

// NewStateManager creates a manager for one request on behalf of the
// given device and user.
func NewStateManager(open Opener, cfg *config.SyncState, b backend.Backend, deviceID, user string) (*StateManager, error) {
	db, err := open()
	if err != nil {
		return nil, errors.Wrap(err, "opening sync-state database")
	}
	return &StateManager{
		open:     open,
		db:       db,
		cfg:      cfg,
		backend:  b,
		deviceID: deviceID,
		user:     user,
		log: logrus.WithFields(logrus.Fields{
			"device_id": deviceID,
			"user":      user,
		}),
	}, nil
}

// Disconnect releases the database handle so a long-poll handler can
// sleep without holding it.
func (m *StateManager) Disconnect() {
	m.db = nil
}

// Connect re-acquires a database handle after Disconnect. Calling it on a
// connected manager is a no-op.
func (m *StateManager) Connect() error {
	if m.db != nil {
		return nil
	}
	db, err := m.open()
	if err != nil {
		return errors.Wrap(err, "reopening sync-state database")
	}
	m.db = db
	return nil
}

func (m *StateManager) store() (storage.Database, error) {
	if m.db == nil {
		return nil, &types.InvariantViolation{Reason: "state manager is disconnected"}
	}
	return m.db, nil
}

// folderID returns the folder the current request stores state under:
// the hierarchy sentinel for FolderSync, the collection id otherwise.
func (m *StateManager) folderID() string {
	if m.requestType == types.RequestTypeFolderSync || m.collection == nil {
		return types.FolderSyncID
	}
	return m.collection.ID
}

func (m *StateManager) collectionClass() string {
	if m.collection == nil {
		return ""
	}
	return m.collection.Class
}

// SyncKey returns the currently loaded sync key.
func (m *StateManager) SyncKey() types.SyncKey {
	return m.syncKey
}

// Folders returns the in-memory hierarchy snapshot.
func (m *StateManager) Folders() []types.FolderEntry {
	if m.folders == nil {
		return nil
	}
	return m.folders.Folders
}

// CollectionState returns the in-memory collection snapshot.
func (m *StateManager) CollectionState() *types.CollectionState {
	return m.collectionState
}

// PendingChanges returns the changes deferred by a previous window-size
// truncation; a non-empty list drives MoreAvailable.
func (m *StateManager) PendingChanges() []types.Change {
	return m.pending
}

// SetSyncStamp records the collection modification stamp the backend
// reported for this cycle.
func (m *StateManager) SetSyncStamp(stamp int64) {
	m.thisSyncStamp = stamp
}

// SyncStamps returns the previous and the current stamp.
func (m *StateManager) SyncStamps() (last, this int64) {
	return m.lastSyncStamp, m.thisSyncStamp
}

// LoadState loads the state stored under the given sync key into the
// manager. A zero key starts a fresh series with empty state. A missing
// row fails with types.ErrStateGone: the caller answers KEY_MISMATCH and
// the client restarts from key "0".
func (m *StateManager) LoadState(ctx context.Context, syncKey types.SyncKey, requestType types.RequestType, collection *types.Collection) error {
	db, err := m.store()
	if err != nil {
		return err
	}
	m.requestType = requestType
	m.collection = collection
	m.syncKey = syncKey
	m.haveChanges = false
	m.folders = types.NewFolderSnapshot()
	m.collectionState = nil
	m.pending = nil
	m.lastSyncStamp = 0
	m.thisSyncStamp = 0

	if syncKey.IsZero() {
		if requestType == types.RequestTypeSync {
			m.collectionState = types.NewCollectionState(m.collectionClass())
		}
		m.log.WithField("folder_id", m.folderID()).Debug("Starting fresh sync state")
		return nil
	}

	row, err := db.SelectState(ctx, syncKey.String(), m.folderID())
	if err != nil {
		if errors.Is(err, types.ErrStateGone) {
			stateLoads.WithLabelValues("gone").Inc()
			m.log.WithFields(logrus.Fields{
				"sync_key":  syncKey.String(),
				"folder_id": m.folderID(),
			}).Info("Sync state gone, client must restart the series")
			return types.ErrStateGone
		}
		return m.fatal(err, "loading sync state")
	}

	// A client->server-only cycle must leave the stamp unchanged, so the
	// current stamp starts out as the previous one.
	m.lastSyncStamp = row.Mod
	m.thisSyncStamp = row.Mod

	switch requestType {
	case types.RequestTypeFolderSync:
		if m.folders, err = types.DecodeFolderSnapshot(row.Data); err != nil {
			return m.fatal(err, "decoding folder snapshot")
		}
	default:
		if m.collectionState, err = types.DecodeCollectionState(row.Data, m.collectionClass()); err != nil {
			return m.fatal(err, "decoding collection snapshot")
		}
	}
	if m.pending, err = types.DecodePendingChanges(row.Pending); err != nil {
		return m.fatal(err, "decoding pending changes")
	}
	stateLoads.WithLabelValues("ok").Inc()

	m.gc(ctx, syncKey)
	return nil
}

// SaveState persists the current state under the current sync key with
// replace semantics, so a retried request overwrites its earlier attempt.
func (m *StateManager) SaveState(ctx context.Context) error {
	db, err := m.store()
	if err != nil {
		return err
	}
	if m.syncKey.IsZero() {
		return &types.InvariantViolation{Reason: "saving state without a sync key"}
	}
	var data []byte
	switch m.requestType {
	case types.RequestTypeFolderSync:
		if data, err = m.folders.Encode(); err != nil {
			return m.fatal(err, "encoding folder snapshot")
		}
	default:
		if m.collectionState == nil {
			m.collectionState = types.NewCollectionState(m.collectionClass())
		}
		if data, err = m.collectionState.Encode(); err != nil {
			return m.fatal(err, "encoding collection snapshot")
		}
	}
	pendingBlob, err := (&types.PendingChanges{Changes: m.pending}).Encode()
	if err != nil {
		return m.fatal(err, "encoding pending changes")
	}

	// The first generation of a series persists stamp 0 so the next cycle
	// exposes the full backlog to the client.
	mod := m.thisSyncStamp
	if m.syncKey.Counter == 1 {
		mod = 0
	}
	row := &tables.StateRow{
		SyncKey:   m.syncKey.String(),
		Data:      data,
		DeviceID:  m.deviceID,
		FolderID:  m.folderID(),
		User:      m.user,
		Mod:       mod,
		Pending:   pendingBlob,
		Timestamp: time.Now().Unix(),
	}
	if err = db.SaveState(ctx, row); err != nil {
		return m.fatal(err, "saving sync state")
	}
	stateSaves.Inc()
	m.log.WithFields(logrus.Fields{
		"sync_key":  row.SyncKey,
		"folder_id": row.FolderID,
		"sync_mod":  row.Mod,
	}).Debug("Saved sync state")

	m.gc(ctx, m.syncKey)
	return nil
}

// UpdateSyncStamp refreshes the stored stamp of an idle collection so the
// window between generations cannot grow without bound. Only runs when
// the gap is large enough and the cycle saw no changes; the losing side
// of two concurrent refreshes is detected and ignored.
func (m *StateManager) UpdateSyncStamp(ctx context.Context) error {
	db, err := m.store()
	if err != nil {
		return err
	}
	if m.haveChanges || m.syncKey.IsZero() {
		return nil
	}
	if m.thisSyncStamp-m.lastSyncStamp < m.cfg.StampUpdateThreshold {
		return nil
	}
	won, err := db.UpdateSyncStamp(ctx, m.syncKey.String(), m.lastSyncStamp, m.thisSyncStamp)
	if err != nil {
		return m.fatal(err, "updating sync stamp")
	}
	if !won {
		m.log.WithField("sync_key", m.syncKey.String()).Debug("Sync stamp already refreshed by a concurrent request")
		return nil
	}
	m.lastSyncStamp = m.thisSyncStamp
	return nil
}

// GetNewSyncKey returns the key to hand to the client: the next
// generation of the presented key, or the first generation of a fresh
// series when the client presented the bootstrap key. Fresh series are
// checked against every other folder of the device so two collections can
// never share a series.
func (m *StateManager) GetNewSyncKey(ctx context.Context, old types.SyncKey) (types.SyncKey, error) {
	if !old.IsZero() {
		return old.Next(), nil
	}
	db, err := m.store()
	if err != nil {
		return types.SyncKey{}, err
	}
	for {
		key := types.NewSyncKey()
		collides, err := db.SeriesCollides(ctx, m.deviceID, m.folderID(), key.Series)
		if err != nil {
			return types.SyncKey{}, m.fatal(err, "checking sync key collision")
		}
		if !collides {
			return key, nil
		}
		m.log.WithField("series", key.Series).Warn("Fresh sync key series collides, regenerating")
	}
}

// SetNewSyncKey makes the given key the one the next SaveState persists
// under.
func (m *StateManager) SetNewSyncKey(key types.SyncKey) {
	m.syncKey = key
}

// GetLatestSynckeyForCollection returns the newest generation known for
// the collection, or the zero key.
func (m *StateManager) GetLatestSynckeyForCollection(ctx context.Context, collectionID string) (types.SyncKey, error) {
	db, err := m.store()
	if err != nil {
		return types.SyncKey{}, err
	}
	return db.LatestStateKeyForFolder(ctx, m.deviceID, collectionID, m.user)
}

func (m *StateManager) gc(ctx context.Context, current types.SyncKey) {
	if m.cfg.DisableGC || current.IsZero() {
		return
	}
	deleted, err := m.db.GC(ctx, m.deviceID, m.folderID(), m.user, current)
	if err != nil {
		// GC is opportunistic; a failure must not fail the request.
		m.log.WithError(err).Warn("Sync state garbage collection failed")
		return
	}
	if deleted > 0 {
		gcDeletedRows.Add(float64(deleted))
		m.log.WithFields(logrus.Fields{
			"sync_key": current.String(),
			"rows":     deleted,
		}).Debug("Collected stale sync state generations")
	}
}

// fatal wraps a storage error, reporting it to sentry when configured.
// Storage errors are fatal for the request; the protocol layer translates
// them to a protocol status.
func (m *StateManager) fatal(err error, msg string) error {
	m.log.WithError(err).Error(msg)
	if hub := sentry.CurrentHub(); hub.Client() != nil {
		hub.CaptureException(err)
	}
	return errors.Wrap(err, msg)
}
