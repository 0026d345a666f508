package sync

import (
	"context"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/maintaina-com/ActiveSync/syncstate/types"
	"github.com/maintaina-com/ActiveSync/test"
)

func TestSyncCacheRoundTrip(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		m := mustCreateManager(t, dbType, "dev1", "alice")
		ctx := context.Background()

		// Absent row reads as the zero-value schema.
		cache, err := m.GetSyncCache(ctx)
		if err != nil {
			t.Fatalf("GetSyncCache failed: %v", err)
		}
		if cache.Hierarchy != "0" {
			t.Errorf("absent cache must be the zero value, got %+v", cache)
		}

		cache.Wait = 12
		cache.HBInterval = 300
		cache.ConfirmSyncKey("{abc}4")
		cache.Folders["INBOX"] = types.CacheFolder{Class: types.ClassEmail, DisplayName: "Inbox", Type: 2}
		cache.Collections["INBOX"] = types.CacheCollection{Class: types.ClassEmail, SyncKey: "{abc}4", WindowSize: 25}
		if err = m.SaveSyncCache(ctx, cache); err != nil {
			t.Fatalf("SaveSyncCache failed: %v", err)
		}

		// The persisted blob carries the timestamp in string form.
		db, err := m.store()
		if err != nil {
			t.Fatalf("store failed: %v", err)
		}
		blob, err := db.SyncCache(ctx, "dev1", "alice")
		if err != nil {
			t.Fatalf("SyncCache failed: %v", err)
		}
		ts := gjson.GetBytes(blob, "timestamp")
		if ts.Type != gjson.String {
			t.Errorf("persisted timestamp must be a string, got %s", ts.Type)
		}

		got, err := m.GetSyncCache(ctx)
		if err != nil {
			t.Fatalf("GetSyncCache failed: %v", err)
		}
		if got.Wait != 12 || got.HBInterval != 300 {
			t.Errorf("cache did not round-trip: %+v", got)
		}
		if !got.ConfirmedSyncKeys["{abc}4"] {
			t.Error("confirmed keys did not round-trip")
		}
		if got.Folders["INBOX"].DisplayName != "Inbox" {
			t.Error("folder fingerprint did not round-trip")
		}
		if got.Timestamp == 0 {
			t.Error("timestamp must decode back to a number")
		}
	})
}

func TestSyncCacheProjection(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		m := mustCreateManager(t, dbType, "dev1", "alice")
		ctx := context.Background()

		cache, err := m.GetSyncCache(ctx)
		if err != nil {
			t.Fatalf("GetSyncCache failed: %v", err)
		}
		cache.Wait = 9
		cache.Folders["f1"] = types.CacheFolder{Class: types.ClassEmail}
		if err = m.SaveSyncCache(ctx, cache); err != nil {
			t.Fatalf("SaveSyncCache failed: %v", err)
		}

		got, err := m.GetSyncCache(ctx, "wait")
		if err != nil {
			t.Fatalf("projected GetSyncCache failed: %v", err)
		}
		if got.Wait != 9 {
			t.Error("projection must include the requested field")
		}
		if len(got.Folders) != 0 {
			t.Error("projection must leave unrequested fields at their zero value")
		}
	})
}

func TestDeleteSyncCache(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		m := mustCreateManager(t, dbType, "dev1", "alice")
		ctx := context.Background()

		cache, err := m.GetSyncCache(ctx)
		if err != nil {
			t.Fatalf("GetSyncCache failed: %v", err)
		}
		if err = m.SaveSyncCache(ctx, cache); err != nil {
			t.Fatalf("SaveSyncCache failed: %v", err)
		}
		if err = m.DeleteSyncCache(ctx, "dev1", "alice"); err != nil {
			t.Fatalf("DeleteSyncCache failed: %v", err)
		}
		db, err := m.store()
		if err != nil {
			t.Fatalf("store failed: %v", err)
		}
		blob, err := db.SyncCache(ctx, "dev1", "alice")
		if err != nil || blob != nil {
			t.Errorf("cache must be gone, got %v, %v", blob, err)
		}
	})
}
