package storage_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/maintaina-com/ActiveSync/internal/sqlutil"
	"github.com/maintaina-com/ActiveSync/setup/config"
	"github.com/maintaina-com/ActiveSync/syncstate/storage"
	"github.com/maintaina-com/ActiveSync/syncstate/storage/shared"
	"github.com/maintaina-com/ActiveSync/syncstate/storage/tables"
	"github.com/maintaina-com/ActiveSync/syncstate/types"
	"github.com/maintaina-com/ActiveSync/test"
)

func mustCreateDatabase(t *testing.T, dbType test.DBType) (storage.Database, func()) {
	t.Helper()
	connStr, close := test.PrepareDBConnectionString(t, dbType)
	cm := sqlutil.NewConnectionManager()
	db, err := storage.NewSyncStateDatabase(cm, &config.DatabaseOptions{
		ConnectionString: config.DataSource(connStr),
	})
	if err != nil {
		t.Fatalf("NewSyncStateDatabase returned %s", err)
	}
	return db, close
}

func mustSaveState(t *testing.T, db storage.Database, ctx context.Context, key types.SyncKey, deviceID, folderID, user string, mod int64) {
	t.Helper()
	if err := db.SaveState(ctx, &tables.StateRow{
		SyncKey:   key.String(),
		Data:      []byte(`{"v":1,"class":"Email"}`),
		DeviceID:  deviceID,
		FolderID:  folderID,
		User:      user,
		Mod:       mod,
		Timestamp: 1700000000,
	}); err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}
}

func TestSaveStateReplaceSemantics(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()
		ctx := context.Background()

		key := types.SyncKey{Series: "11111111-2222-3333-4444-555555555555", Counter: 1}
		row := &tables.StateRow{
			SyncKey:  key.String(),
			Data:     []byte(`{"v":1,"class":"Email"}`),
			DeviceID: "dev1",
			FolderID: "folder1",
			User:     "alice",
			Mod:      0,
		}
		// Saving twice must behave as saving once: the second save
		// replaces the first attempt, as a retried request would.
		if err := db.SaveState(ctx, row); err != nil {
			t.Fatalf("first SaveState failed: %v", err)
		}
		row.Mod = 99
		if err := db.SaveState(ctx, row); err != nil {
			t.Fatalf("second SaveState failed: %v", err)
		}
		got, err := db.SelectState(ctx, key.String(), "folder1")
		if err != nil {
			t.Fatalf("SelectState failed: %v", err)
		}
		if got.Mod != 99 {
			t.Errorf("replace semantics lost the second save: mod = %d", got.Mod)
		}
	})
}

func TestSelectStateGone(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()
		ctx := context.Background()

		if _, err := db.SelectState(ctx, "{dead}7", ""); err != types.ErrStateGone {
			t.Errorf("missing state must fail ErrStateGone, got %v", err)
		}
		key := types.SyncKey{Series: "aaaaaaaa-1111-2222-3333-444444444444", Counter: 3}
		mustSaveState(t, db, ctx, key, "dev1", "folder1", "alice", 7)
		// A folder mismatch is just as gone as a missing row.
		if _, err := db.SelectState(ctx, key.String(), "folder2"); err != types.ErrStateGone {
			t.Errorf("folder mismatch must fail ErrStateGone, got %v", err)
		}
	})
}

func TestGCRetention(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()
		ctx := context.Background()

		series := "99999999-8888-7777-6666-555555555555"
		for n := uint64(1); n <= 5; n++ {
			mustSaveState(t, db, ctx, types.SyncKey{Series: series, Counter: n}, "dev1", "folder1", "alice", int64(n))
		}
		// Unparsable residue of an abandoned series.
		mustSaveState(t, db, ctx, types.SyncKey{}, "dev1", "folder1", "alice", 0)

		for n := uint64(3); n <= 5; n++ {
			if err := db.InsertMapRow(ctx, &tables.MapRow{
				MessageUID: fmt.Sprintf("uid%d", n),
				ModTime:    int64(n),
				SyncKey:    types.SyncKey{Series: series, Counter: n}.String(),
				DeviceID:   "dev1",
				FolderID:   "folder1",
				User:       "alice",
			}); err != nil {
				t.Fatalf("InsertMapRow failed: %v", err)
			}
		}

		current := types.SyncKey{Series: series, Counter: 5}
		deleted, err := db.GC(ctx, "dev1", "folder1", "alice", current)
		if err != nil {
			t.Fatalf("GC failed: %v", err)
		}
		if deleted == 0 {
			t.Fatal("GC deleted nothing")
		}

		// States keep the current and previous generation only.
		for n := uint64(1); n <= 5; n++ {
			key := types.SyncKey{Series: series, Counter: n}
			_, err := db.SelectState(ctx, key.String(), "folder1")
			if n >= 4 && err != nil {
				t.Errorf("generation %d must survive GC: %v", n, err)
			}
			if n < 4 && err != types.ErrStateGone {
				t.Errorf("generation %d must be collected, got %v", n, err)
			}
		}
		if _, err := db.SelectState(ctx, "0", "folder1"); err != types.ErrStateGone {
			t.Errorf("unparsable key must be collected, got %v", err)
		}

		// Maps keep the current generation only.
		for n := uint64(3); n <= 5; n++ {
			key := types.SyncKey{Series: series, Counter: n}
			has, err := db.HasMapRow(ctx, "dev1", "alice", fmt.Sprintf("uid%d", n), key.String())
			if err != nil {
				t.Fatalf("HasMapRow failed: %v", err)
			}
			if want := n == 5; has != want {
				t.Errorf("map row for generation %d: got %v, want %v", n, has, want)
			}
		}
	})
}

func TestLatestStateKeyAndCollision(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()
		ctx := context.Background()

		series := "12121212-3434-5656-7878-909090909090"
		mustSaveState(t, db, ctx, types.SyncKey{Series: series, Counter: 2}, "dev1", "folder1", "alice", 0)
		mustSaveState(t, db, ctx, types.SyncKey{Series: series, Counter: 3}, "dev1", "folder1", "alice", 0)

		latest, err := db.LatestStateKeyForFolder(ctx, "dev1", "folder1", "alice")
		if err != nil {
			t.Fatalf("LatestStateKeyForFolder failed: %v", err)
		}
		if latest.Counter != 3 || latest.Series != series {
			t.Errorf("unexpected latest key %v", latest)
		}

		none, err := db.LatestStateKeyForFolder(ctx, "dev1", "unknown", "alice")
		if err != nil || !none.IsZero() {
			t.Errorf("unknown folder must yield the zero key, got %v, %v", none, err)
		}

		// The series is in use on folder1, so it collides for any other
		// folder of the same device but not for folder1 itself.
		collides, err := db.SeriesCollides(ctx, "dev1", "folder2", series)
		if err != nil || !collides {
			t.Errorf("series must collide on another folder, got %v, %v", collides, err)
		}
		collides, err = db.SeriesCollides(ctx, "dev1", "folder1", series)
		if err != nil || collides {
			t.Errorf("series must not collide on its own folder, got %v, %v", collides, err)
		}
	})
}

func TestUpdateSyncStampOptimistic(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()
		ctx := context.Background()

		key := types.SyncKey{Series: "abcdabcd-0000-1111-2222-333333333333", Counter: 4}
		mustSaveState(t, db, ctx, key, "dev1", "folder1", "alice", 1000)

		won, err := db.UpdateSyncStamp(ctx, key.String(), 1000, 50000)
		if err != nil || !won {
			t.Fatalf("first refresh must win: %v, %v", won, err)
		}
		// A second caller still holding the old stamp loses.
		won, err = db.UpdateSyncStamp(ctx, key.String(), 1000, 60000)
		if err != nil {
			t.Fatalf("UpdateSyncStamp failed: %v", err)
		}
		if won {
			t.Error("stale refresh must lose the optimistic check")
		}
	})
}

func TestMapDuplicateDetection(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()
		ctx := context.Background()

		key := types.SyncKey{Series: "fefefefe-1212-3434-5656-787878787878", Counter: 2}
		if err := db.InsertMapRow(ctx, &tables.MapRow{
			MessageUID: "uid9", ModTime: 123, SyncKey: key.String(),
			DeviceID: "dev1", FolderID: "folder1", User: "alice", ClientID: "client-42",
		}); err != nil {
			t.Fatalf("InsertMapRow failed: %v", err)
		}

		uid, err := db.UIDForClientID(ctx, "dev1", "alice", "client-42")
		if err != nil || uid != "uid9" {
			t.Errorf("UIDForClientID = %q, %v; want uid9", uid, err)
		}
		uid, err = db.UIDForClientID(ctx, "dev1", "alice", "never-seen")
		if err != nil || uid != "" {
			t.Errorf("unknown client id must yield \"\", got %q, %v", uid, err)
		}

		dup, err := db.HasMapRow(ctx, "dev1", "alice", "uid9", key.String())
		if err != nil || !dup {
			t.Errorf("HasMapRow = %v, %v; want true", dup, err)
		}
	})
}

func TestSetDeviceSupportedImmutable(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()
		ctx := context.Background()

		row := &tables.DeviceRow{
			ID: "dev1", Type: "SmartPhone", UserAgent: "Agent/1.0",
			RWStatus: types.RWStatusOK, Supported: []byte(`["Email"]`),
		}
		if err := db.SetDevice(ctx, row, "alice"); err != nil {
			t.Fatalf("SetDevice failed: %v", err)
		}
		row.UserAgent = "Agent/2.0"
		row.Supported = []byte(`["Email","Contacts"]`)
		if err := db.SetDevice(ctx, row, "alice"); err != nil {
			t.Fatalf("second SetDevice failed: %v", err)
		}
		got, err := db.SelectDevice(ctx, "dev1")
		if err != nil {
			t.Fatalf("SelectDevice failed: %v", err)
		}
		if got.UserAgent != "Agent/2.0" {
			t.Errorf("user agent must follow every sync, got %q", got.UserAgent)
		}
		if string(got.Supported) != `["Email"]` {
			t.Errorf("supported must be immutable once set, got %s", got.Supported)
		}

		count, err := db.DeviceExists(ctx, "dev1", "alice")
		if err != nil || count != 1 {
			t.Errorf("DeviceExists = %d, %v; want 1", count, err)
		}
		count, err = db.DeviceExists(ctx, "devX", "")
		if err != nil || count != 0 {
			t.Errorf("unknown device must count 0, got %d, %v", count, err)
		}
	})
}

func TestSetDeviceRWStatusPendingZeroesPolicyKeys(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()
		ctx := context.Background()

		device := &tables.DeviceRow{ID: "dev1", Type: "Phone", RWStatus: types.RWStatusOK}
		if err := db.SetDevice(ctx, device, "alice"); err != nil {
			t.Fatalf("SetDevice failed: %v", err)
		}
		if err := db.SetDevice(ctx, device, "bob"); err != nil {
			t.Fatalf("SetDevice failed: %v", err)
		}
		if err := db.SetPolicyKey(ctx, "dev1", "alice", 12345); err != nil {
			t.Fatalf("SetPolicyKey failed: %v", err)
		}
		if err := db.SetPolicyKey(ctx, "dev1", "bob", 67890); err != nil {
			t.Fatalf("SetPolicyKey failed: %v", err)
		}

		if err := db.SetDeviceRWStatus(ctx, "dev1", types.RWStatusPending); err != nil {
			t.Fatalf("SetDeviceRWStatus failed: %v", err)
		}
		for _, user := range []string{"alice", "bob"} {
			key, err := db.PolicyKey(ctx, "dev1", user)
			if err != nil {
				t.Fatalf("PolicyKey failed: %v", err)
			}
			if key != 0 {
				t.Errorf("arming a wipe must zero the policy key of %s, got %d", user, key)
			}
		}
		got, err := db.SelectDevice(ctx, "dev1")
		if err != nil || got.RWStatus != types.RWStatusPending {
			t.Errorf("rwstatus not updated: %+v, %v", got, err)
		}
	})
}

func TestRemoveStateModes(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()
		ctx := context.Background()

		seed := func(deviceID, user, folderID string, counter uint64) types.SyncKey {
			key := types.SyncKey{Series: "0000" + deviceID + "-1111-2222-3333-444444444444", Counter: counter}
			mustSaveState(t, db, ctx, key, deviceID, folderID, user, 0)
			return key
		}

		t.Run("device_user_and_folder", func(t *testing.T) {
			if err := db.SetDevice(ctx, &tables.DeviceRow{ID: "devA", RWStatus: types.RWStatusOK}, "alice"); err != nil {
				t.Fatalf("SetDevice failed: %v", err)
			}
			keep := seed("devA", "alice", "folder1", 1)
			drop := seed("devA", "alice", "folder2", 1)
			if err := db.RemoveState(ctx, shared.RemoveStateOptions{DeviceID: "devA", User: "alice", FolderID: "folder2"}); err != nil {
				t.Fatalf("RemoveState failed: %v", err)
			}
			if _, err := db.SelectState(ctx, keep.String(), ""); err != nil {
				t.Errorf("folder1 state must survive: %v", err)
			}
			if _, err := db.SelectState(ctx, drop.String(), ""); err != types.ErrStateGone {
				t.Errorf("folder2 state must be gone, got %v", err)
			}
		})

		t.Run("device_user", func(t *testing.T) {
			if err := db.SetDevice(ctx, &tables.DeviceRow{ID: "devB", RWStatus: types.RWStatusOK}, "alice"); err != nil {
				t.Fatalf("SetDevice failed: %v", err)
			}
			drop := seed("devB", "alice", "folder1", 1)
			if err := db.PutSyncCache(ctx, "devB", "alice", []byte(`{}`)); err != nil {
				t.Fatalf("PutSyncCache failed: %v", err)
			}
			if err := db.RemoveState(ctx, shared.RemoveStateOptions{DeviceID: "devB", User: "alice"}); err != nil {
				t.Fatalf("RemoveState failed: %v", err)
			}
			if _, err := db.SelectState(ctx, drop.String(), ""); err != types.ErrStateGone {
				t.Errorf("state must be gone, got %v", err)
			}
			blob, err := db.SyncCache(ctx, "devB", "alice")
			if err != nil || blob != nil {
				t.Errorf("cache must be gone, got %v, %v", blob, err)
			}
			// The provisioned device row itself survives a user-scoped removal.
			if _, err := db.SelectDevice(ctx, "devB"); err != nil {
				t.Errorf("device row must survive a {device,user} removal: %v", err)
			}
		})

		t.Run("wipe_escalates_to_device", func(t *testing.T) {
			if err := db.SetDevice(ctx, &tables.DeviceRow{ID: "devC", RWStatus: types.RWStatusOK}, "alice"); err != nil {
				t.Fatalf("SetDevice failed: %v", err)
			}
			seed("devC", "alice", "folder1", 1)
			if err := db.SetDeviceRWStatus(ctx, "devC", types.RWStatusPending); err != nil {
				t.Fatalf("SetDeviceRWStatus failed: %v", err)
			}
			if err := db.RemoveState(ctx, shared.RemoveStateOptions{DeviceID: "devC", User: "alice"}); err != nil {
				t.Fatalf("RemoveState failed: %v", err)
			}
			// Escalation dropped the user restriction: the armed device
			// row must not be left behind.
			if _, err := db.SelectDevice(ctx, "devC"); err != types.ErrDeviceNotFound {
				t.Errorf("armed device must be removed entirely, got %v", err)
			}
		})

		t.Run("user_removes_orphan_devices", func(t *testing.T) {
			if err := db.SetDevice(ctx, &tables.DeviceRow{ID: "devD", RWStatus: types.RWStatusOK}, "carol"); err != nil {
				t.Fatalf("SetDevice failed: %v", err)
			}
			if err := db.SetDevice(ctx, &tables.DeviceRow{ID: "devE", RWStatus: types.RWStatusOK}, "carol"); err != nil {
				t.Fatalf("SetDevice failed: %v", err)
			}
			if err := db.SetDevice(ctx, &tables.DeviceRow{ID: "devE", RWStatus: types.RWStatusOK}, "dave"); err != nil {
				t.Fatalf("SetDevice failed: %v", err)
			}
			if err := db.RemoveState(ctx, shared.RemoveStateOptions{User: "carol"}); err != nil {
				t.Fatalf("RemoveState failed: %v", err)
			}
			// devD lost its only user and goes; devE still belongs to dave.
			if _, err := db.SelectDevice(ctx, "devD"); err != types.ErrDeviceNotFound {
				t.Errorf("orphan device must be removed, got %v", err)
			}
			if _, err := db.SelectDevice(ctx, "devE"); err != nil {
				t.Errorf("shared device must survive: %v", err)
			}
		})

		t.Run("synckey_only", func(t *testing.T) {
			key := seed("devF", "erin", "folder1", 2)
			other := seed("devF", "erin", "folder1", 3)
			if err := db.RemoveState(ctx, shared.RemoveStateOptions{SyncKey: key.String()}); err != nil {
				t.Fatalf("RemoveState failed: %v", err)
			}
			if _, err := db.SelectState(ctx, key.String(), ""); err != types.ErrStateGone {
				t.Errorf("targeted key must be gone, got %v", err)
			}
			if _, err := db.SelectState(ctx, other.String(), ""); err != nil {
				t.Errorf("other generations must survive: %v", err)
			}
		})
	})
}

func TestSyncCacheUpsert(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()
		ctx := context.Background()

		blob, err := db.SyncCache(ctx, "dev1", "alice")
		if err != nil || blob != nil {
			t.Errorf("absent cache must read as nil, got %v, %v", blob, err)
		}
		if err := db.PutSyncCache(ctx, "dev1", "alice", []byte(`{"wait":5}`)); err != nil {
			t.Fatalf("insert PutSyncCache failed: %v", err)
		}
		if err := db.PutSyncCache(ctx, "dev1", "alice", []byte(`{"wait":9}`)); err != nil {
			t.Fatalf("update PutSyncCache failed: %v", err)
		}
		blob, err = db.SyncCache(ctx, "dev1", "alice")
		if err != nil || string(blob) != `{"wait":9}` {
			t.Errorf("upsert lost the update: %s, %v", blob, err)
		}
		if err := db.DeleteSyncCache(ctx, "dev1", ""); err != nil {
			t.Fatalf("DeleteSyncCache failed: %v", err)
		}
		blob, err = db.SyncCache(ctx, "dev1", "alice")
		if err != nil || blob != nil {
			t.Errorf("cache must be gone after delete, got %v, %v", blob, err)
		}
	})
}

func TestListDevices(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()
		ctx := context.Background()

		if err := db.SetDevice(ctx, &tables.DeviceRow{ID: "ipad1", Type: "iPad", UserAgent: "Apple/1"}, "alice"); err != nil {
			t.Fatalf("SetDevice failed: %v", err)
		}
		if err := db.SetDevice(ctx, &tables.DeviceRow{ID: "droid1", Type: "Android", UserAgent: "Android/2"}, "bob"); err != nil {
			t.Fatalf("SetDevice failed: %v", err)
		}

		all, err := db.ListDevices(ctx, "", nil)
		if err != nil {
			t.Fatalf("ListDevices failed: %v", err)
		}
		if len(all) != 2 {
			t.Fatalf("expected 2 entries, got %d", len(all))
		}

		filtered, err := db.ListDevices(ctx, "", map[string]string{"device_type": "And%"})
		if err != nil {
			t.Fatalf("filtered ListDevices failed: %v", err)
		}
		if len(filtered) != 1 || filtered[0].Device.ID != "droid1" {
			t.Errorf("unexpected filter result %+v", filtered)
		}

		byUser, err := db.ListDevices(ctx, "alice", nil)
		if err != nil || len(byUser) != 1 || byUser[0].User != "alice" {
			t.Errorf("user restriction failed: %+v, %v", byUser, err)
		}

		if _, err = db.ListDevices(ctx, "", map[string]string{"device_policykey": "%"}); err == nil {
			t.Error("filtering outside the closed column set must fail")
		}
	})
}
