package sync

import (
	"context"
	"testing"

	"github.com/pkg/errors"

	"github.com/maintaina-com/ActiveSync/internal/sqlutil"
	"github.com/maintaina-com/ActiveSync/setup/config"
	"github.com/maintaina-com/ActiveSync/syncstate/storage"
	"github.com/maintaina-com/ActiveSync/syncstate/types"
	"github.com/maintaina-com/ActiveSync/test"
)

// fakeBackend hands out folder stats without a content store behind it.
type fakeBackend struct {
	folders map[string]types.FolderEntry
}

func (f *fakeBackend) GetFolder(_ context.Context, serverID string) (*types.FolderEntry, error) {
	folder, ok := f.folders[serverID]
	if !ok {
		return nil, errors.Errorf("no such folder %q", serverID)
	}
	return &folder, nil
}

func (f *fakeBackend) StatFolder(id, parentID, displayName, serverID string, folderType int) *types.FolderEntry {
	return &types.FolderEntry{
		ID: id, ParentID: parentID, DisplayName: displayName,
		ServerID: serverID, Type: folderType,
	}
}

func mustCreateManager(t *testing.T, dbType test.DBType, deviceID, user string) *StateManager {
	t.Helper()
	connStr, _ := test.PrepareDBConnectionString(t, dbType)
	cm := sqlutil.NewConnectionManager()
	cfg := &config.SyncState{}
	cfg.Defaults(config.DefaultOpts{})
	cfg.Database.ConnectionString = config.DataSource(connStr)
	open := func() (storage.Database, error) {
		return storage.NewSyncStateDatabase(cm, &cfg.Database)
	}
	be := &fakeBackend{folders: map[string]types.FolderEntry{
		"INBOX/Archive": {ID: "3", ParentID: "1", DisplayName: "Archive", ServerID: "INBOX/Archive", Type: 12},
	}}
	m, err := NewStateManager(open, cfg, be, deviceID, user)
	if err != nil {
		t.Fatalf("NewStateManager failed: %v", err)
	}
	return m
}

var emailCollection = &types.Collection{ID: "folder1", Class: types.ClassEmail}

// First sync of a fresh series: the bootstrap key yields generation 1 of
// a new series and the save persists stamp 0 so the next cycle sees the
// full backlog.
func TestFirstSync(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		m := mustCreateManager(t, dbType, "dev1", "alice")
		ctx := context.Background()

		if err := m.LoadState(ctx, types.SyncKey{}, types.RequestTypeSync, emailCollection); err != nil {
			t.Fatalf("LoadState failed: %v", err)
		}
		if m.CollectionState() == nil || !m.CollectionState().IsEmail() {
			t.Fatal("fresh sync must synthesize an email snapshot")
		}

		key, err := m.GetNewSyncKey(ctx, types.SyncKey{})
		if err != nil {
			t.Fatalf("GetNewSyncKey failed: %v", err)
		}
		if key.Counter != 1 {
			t.Fatalf("fresh series must start at generation 1, got %d", key.Counter)
		}
		m.SetNewSyncKey(key)
		m.SetSyncStamp(4242)
		m.CollectionState().Messages[100] = types.MessageFlagState{Read: true}
		if err = m.SaveState(ctx); err != nil {
			t.Fatalf("SaveState failed: %v", err)
		}

		// Reload under the issued key: generation 1 always persists mod 0.
		m2 := mustReload(t, m)
		if err := m2.LoadState(ctx, key, types.RequestTypeSync, emailCollection); err != nil {
			t.Fatalf("reload failed: %v", err)
		}
		last, this := m2.SyncStamps()
		if last != 0 || this != 0 {
			t.Errorf("generation 1 must persist stamp 0, got last=%d this=%d", last, this)
		}
		if _, ok := m2.CollectionState().Messages[100]; !ok {
			t.Error("snapshot did not round-trip")
		}
	})
}

// mustReload builds a second manager over the same database, as the next
// request would.
func mustReload(t *testing.T, m *StateManager) *StateManager {
	t.Helper()
	m2, err := NewStateManager(m.open, m.cfg, m.backend, m.deviceID, m.user)
	if err != nil {
		t.Fatalf("NewStateManager failed: %v", err)
	}
	return m2
}

// Loop suppression for email: a READ change imported from the client is
// recorded in the mailmap, and the matching candidate is flagged as the
// client's own change on the next export.
func TestLoopSuppressionEmail(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		m := mustCreateManager(t, dbType, "dev1", "alice")
		ctx := context.Background()

		key := types.SyncKey{Series: "abcdefab-1111-2222-3333-444444444444", Counter: 5}
		m.SetNewSyncKey(key)
		m.requestType = types.RequestTypeSync
		m.collection = emailCollection

		read := true
		change := types.Change{UID: "uid7", Flags: &types.MessageFlags{Read: &read}}
		if err := m.UpdateState(ctx, types.ChangeTypeChange, change, types.OriginPIM); err != nil {
			t.Fatalf("UpdateState failed: %v", err)
		}

		candidates := []types.Change{{UID: "uid7", Type: types.ChangeTypeFlags, Flags: &types.MessageFlags{Read: &read}}}
		verdicts, err := m.GetMailMapChanges(ctx, candidates)
		if err != nil {
			t.Fatalf("GetMailMapChanges failed: %v", err)
		}
		if !verdicts["uid7"][types.ChangeTypeFlags] {
			t.Error("the client's own READ change must be dropped from the export")
		}

		// A contradictory candidate is not the client's change.
		unread := false
		verdicts, err = m.GetMailMapChanges(ctx, []types.Change{
			{UID: "uid7", Type: types.ChangeTypeFlags, Flags: &types.MessageFlags{Read: &unread}},
		})
		if err != nil {
			t.Fatalf("GetMailMapChanges failed: %v", err)
		}
		if verdicts["uid7"][types.ChangeTypeFlags] {
			t.Error("a conflicting flag state must not be suppressed")
		}

		has, err := m.HasPIMChanges(ctx)
		if err != nil || !has {
			t.Errorf("HasPIMChanges must be unconditionally true for email, got %v, %v", has, err)
		}
	})
}

// Retry of an Add whose response was lost: the client id resolves to the
// uid assigned the first time.
func TestDuplicateAddition(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		m := mustCreateManager(t, dbType, "dev1", "alice")
		ctx := context.Background()

		key := types.SyncKey{Series: "deadbeef-1111-2222-3333-444444444444", Counter: 2}
		m.SetNewSyncKey(key)
		m.requestType = types.RequestTypeSync
		m.collection = &types.Collection{ID: "contacts1", Class: types.ClassContacts}

		change := types.Change{UID: "srv-uid-1", ClientID: "C", ModTime: 77}
		if err := m.UpdateState(ctx, types.ChangeTypeChange, change, types.OriginPIM); err != nil {
			t.Fatalf("UpdateState failed: %v", err)
		}

		uid, err := m.IsDuplicatePIMAddition(ctx, "C")
		if err != nil {
			t.Fatalf("IsDuplicatePIMAddition failed: %v", err)
		}
		if uid != "srv-uid-1" {
			t.Errorf("retry must resolve to the assigned uid, got %q", uid)
		}
		dup, err := m.IsDuplicatePIMChange(ctx, "srv-uid-1", key)
		if err != nil || !dup {
			t.Errorf("IsDuplicatePIMChange = %v, %v; want true", dup, err)
		}

		ts, err := m.GetPIMChangeTimestamps(ctx, []types.Change{{UID: "srv-uid-1", Type: types.ChangeTypeChange}})
		if err != nil {
			t.Fatalf("GetPIMChangeTimestamps failed: %v", err)
		}
		if ts["srv-uid-1"] != 77 {
			t.Errorf("timestamp window lost the change: %v", ts)
		}
	})
}

// A GC'd generation fails the load with StateGone so the protocol layer
// answers KEY_MISMATCH.
func TestKeyMismatchRecovery(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		m := mustCreateManager(t, dbType, "dev1", "alice")
		ctx := context.Background()

		gone := types.SyncKey{Series: "00ff00ff-1111-2222-3333-444444444444", Counter: 7}
		err := m.LoadState(ctx, gone, types.RequestTypeSync, emailCollection)
		if !errors.Is(err, types.ErrStateGone) {
			t.Errorf("missing state must fail ErrStateGone, got %v", err)
		}
	})
}

// Hierarchy reset: all hierarchy state disappears and the cache loses its
// folder list, collections and hierarchy key.
func TestHierarchyReset(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		m := mustCreateManager(t, dbType, "dev1", "alice")
		ctx := context.Background()

		if err := m.LoadState(ctx, types.SyncKey{}, types.RequestTypeFolderSync, nil); err != nil {
			t.Fatalf("LoadState failed: %v", err)
		}
		key, err := m.GetNewSyncKey(ctx, types.SyncKey{})
		if err != nil {
			t.Fatalf("GetNewSyncKey failed: %v", err)
		}
		m.SetNewSyncKey(key)
		if err := m.UpdateState(ctx, types.ChangeTypeAdd, types.Change{
			UID:    "1",
			Folder: &types.FolderEntry{ID: "1", ServerID: "INBOX", DisplayName: "Inbox", Type: 2},
		}, types.OriginPIM); err != nil {
			t.Fatalf("UpdateState failed: %v", err)
		}
		if err := m.SaveState(ctx); err != nil {
			t.Fatalf("SaveState failed: %v", err)
		}

		cache, err := m.GetSyncCache(ctx)
		if err != nil {
			t.Fatalf("GetSyncCache failed: %v", err)
		}
		cache.Hierarchy = key.String()
		cache.Folders["INBOX"] = types.CacheFolder{Class: types.ClassEmail, DisplayName: "Inbox"}
		cache.Collections["INBOX"] = types.CacheCollection{Class: types.ClassEmail}
		if err = m.SaveSyncCache(ctx, cache); err != nil {
			t.Fatalf("SaveSyncCache failed: %v", err)
		}

		if err = m.ResetDeviceState(ctx, types.FolderSyncID); err != nil {
			t.Fatalf("ResetDeviceState failed: %v", err)
		}

		m2 := mustReload(t, m)
		if err = m2.LoadState(ctx, key, types.RequestTypeFolderSync, nil); !errors.Is(err, types.ErrStateGone) {
			t.Errorf("hierarchy state must be gone after reset, got %v", err)
		}
		cache, err = m2.GetSyncCache(ctx)
		if err != nil {
			t.Fatalf("GetSyncCache failed: %v", err)
		}
		if cache.Hierarchy != "0" || len(cache.Folders) != 0 || len(cache.Collections) != 0 {
			t.Errorf("reset must clear the hierarchy cache, got %+v", cache)
		}
	})
}

func TestUpdateSyncStampThreshold(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		m := mustCreateManager(t, dbType, "dev1", "alice")
		ctx := context.Background()

		key := types.SyncKey{Series: "aa11aa11-1111-2222-3333-444444444444", Counter: 3}
		m.SetNewSyncKey(key)
		m.requestType = types.RequestTypeSync
		m.collection = emailCollection
		m.SetSyncStamp(100000)
		if err := m.SaveState(ctx); err != nil {
			t.Fatalf("SaveState failed: %v", err)
		}

		m2 := mustReload(t, m)
		if err := m2.LoadState(ctx, key, types.RequestTypeSync, emailCollection); err != nil {
			t.Fatalf("LoadState failed: %v", err)
		}

		// Below the window: nothing happens.
		m2.SetSyncStamp(100000 + config.DefaultStampUpdateThreshold - 1)
		if err := m2.UpdateSyncStamp(ctx); err != nil {
			t.Fatalf("UpdateSyncStamp failed: %v", err)
		}
		last, _ := m2.SyncStamps()
		if last != 100000 {
			t.Errorf("below-threshold refresh must be a no-op, last=%d", last)
		}

		// At the window: the stamp is refreshed.
		m2.SetSyncStamp(100000 + config.DefaultStampUpdateThreshold)
		if err := m2.UpdateSyncStamp(ctx); err != nil {
			t.Fatalf("UpdateSyncStamp failed: %v", err)
		}
		last, _ = m2.SyncStamps()
		if last != 100000+config.DefaultStampUpdateThreshold {
			t.Errorf("refresh did not advance the stamp, last=%d", last)
		}

		// A cycle that saw changes never refreshes.
		m3 := mustReload(t, m)
		if err := m3.LoadState(ctx, key, types.RequestTypeSync, emailCollection); err != nil {
			t.Fatalf("LoadState failed: %v", err)
		}
		read := true
		if err := m3.UpdateState(ctx, types.ChangeTypeChange, types.Change{
			UID: "u1", Flags: &types.MessageFlags{Read: &read},
		}, types.OriginPIM); err != nil {
			t.Fatalf("UpdateState failed: %v", err)
		}
		before, _ := m3.SyncStamps()
		m3.SetSyncStamp(before + 10*config.DefaultStampUpdateThreshold)
		if err := m3.UpdateSyncStamp(ctx); err != nil {
			t.Fatalf("UpdateSyncStamp failed: %v", err)
		}
		if last, _ := m3.SyncStamps(); last != before {
			t.Errorf("a cycle with changes must not refresh the stamp, last=%d", last)
		}
	})
}

func TestUpdateServerIdInState(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		m := mustCreateManager(t, dbType, "dev1", "alice")
		ctx := context.Background()

		key := types.SyncKey{Series: "bb22bb22-1111-2222-3333-444444444444", Counter: 1}
		if err := m.LoadState(ctx, types.SyncKey{}, types.RequestTypeSync, emailCollection); err != nil {
			t.Fatalf("LoadState failed: %v", err)
		}
		m.SetNewSyncKey(key)
		m.CollectionState().ServerID = "INBOX/Old"
		if err := m.SaveState(ctx); err != nil {
			t.Fatalf("SaveState failed: %v", err)
		}

		if err := m.UpdateServerIdInState(ctx, "folder1", "INBOX/New"); err != nil {
			t.Fatalf("UpdateServerIdInState failed: %v", err)
		}

		m2 := mustReload(t, m)
		if err := m2.LoadState(ctx, key, types.RequestTypeSync, emailCollection); err != nil {
			t.Fatalf("reload failed: %v", err)
		}
		if got := m2.CollectionState().ServerID; got != "INBOX/New" {
			t.Errorf("server id not rewritten, got %q", got)
		}
	})
}

// Server-side folder updates refresh the in-memory snapshot through the
// backend and drain the pending list.
func TestUpdateStateFromServer(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		m := mustCreateManager(t, dbType, "dev1", "alice")
		ctx := context.Background()

		if err := m.LoadState(ctx, types.SyncKey{}, types.RequestTypeFolderSync, nil); err != nil {
			t.Fatalf("LoadState failed: %v", err)
		}
		m.AppendPending(types.Change{UID: "3", Type: types.ChangeTypeAdd})

		if err := m.UpdateState(ctx, types.ChangeTypeAdd, types.Change{
			UID:    "3",
			Folder: &types.FolderEntry{ID: "3", ServerID: "INBOX/Archive"},
		}, types.OriginServer); err != nil {
			t.Fatalf("UpdateState failed: %v", err)
		}
		if len(m.PendingChanges()) != 0 {
			t.Error("a dispatched change must leave the pending list")
		}
		folders := m.Folders()
		if len(folders) != 1 || folders[0].DisplayName != "Archive" {
			t.Errorf("snapshot not refreshed from backend stat: %+v", folders)
		}

		if err := m.UpdateState(ctx, types.ChangeTypeDelete, types.Change{UID: "3"}, types.OriginServer); err != nil {
			t.Fatalf("UpdateState failed: %v", err)
		}
		if len(m.Folders()) != 0 {
			t.Error("a server delete must drop the folder from the snapshot")
		}
	})
}

func TestSetPolicyKeyInvariant(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		m := mustCreateManager(t, dbType, "dev1", "alice")
		ctx := context.Background()

		err := m.SetPolicyKey(ctx, "some-other-device", 99)
		var violation *types.InvariantViolation
		if !errors.As(err, &violation) {
			t.Errorf("policy key for a foreign device must be an invariant violation, got %v", err)
		}
	})
}

func TestDisconnectConnect(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		m := mustCreateManager(t, dbType, "dev1", "alice")
		ctx := context.Background()

		m.Disconnect()
		_, err := m.GetLastSyncTimestamp(ctx)
		var violation *types.InvariantViolation
		if !errors.As(err, &violation) {
			t.Errorf("using a disconnected manager must be an invariant violation, got %v", err)
		}
		if err = m.Connect(); err != nil {
			t.Fatalf("Connect failed: %v", err)
		}
		if _, err = m.GetLastSyncTimestamp(ctx); err != nil {
			t.Errorf("manager must work again after Connect: %v", err)
		}
	})
}
