package types

import (
	"testing"
)

func TestNewSyncCacheZeroValue(t *testing.T) {
	cache := NewSyncCache()
	if cache.Hierarchy != "0" {
		t.Errorf("fresh cache hierarchy must be \"0\", got %q", cache.Hierarchy)
	}
	if cache.Folders == nil || cache.Collections == nil || cache.ConfirmedSyncKeys == nil || cache.SyncKeyCounter == nil {
		t.Error("fresh cache must have initialized maps")
	}
}

func TestHeartbeatStateMachine(t *testing.T) {
	cache := NewSyncCache()
	if cache.HeartbeatInterrupted() {
		t.Error("idle cache must not report an interrupted heartbeat")
	}
	cache.StartHeartbeat(100)
	if !cache.HeartbeatInterrupted() {
		t.Error("a started but unfinished heartbeat must read as interrupted")
	}
	cache.EndHeartbeatNormal(160)
	if cache.HeartbeatInterrupted() {
		t.Error("a normally delivered response must clear the interruption")
	}
	if cache.LastSyncEndNormal != 160 {
		t.Errorf("unexpected lastsyncendnormal %d", cache.LastSyncEndNormal)
	}
}

func TestClearHierarchy(t *testing.T) {
	cache := NewSyncCache()
	cache.Folders["f1"] = CacheFolder{Class: ClassEmail, DisplayName: "Inbox"}
	cache.Collections["f1"] = CacheCollection{Class: ClassEmail, SyncKey: "{abc}3"}
	cache.SyncKeyCounter["f1"] = 3
	cache.Hierarchy = "{abc}5"

	cache.ClearHierarchy()
	if len(cache.Folders) != 0 || len(cache.Collections) != 0 || len(cache.SyncKeyCounter) != 0 {
		t.Error("ClearHierarchy must drop folders, collections and key counters")
	}
	if cache.Hierarchy != "0" {
		t.Errorf("ClearHierarchy must reset the hierarchy key, got %q", cache.Hierarchy)
	}
}

func TestRemoveCollection(t *testing.T) {
	cache := NewSyncCache()
	cache.Folders["f1"] = CacheFolder{Class: ClassEmail}
	cache.Folders["f2"] = CacheFolder{Class: ClassContacts}
	cache.Collections["f1"] = CacheCollection{Class: ClassEmail}
	cache.Collections["f2"] = CacheCollection{Class: ClassContacts}
	cache.SyncKeyCounter["f1"] = 7

	cache.RemoveCollection("f1")
	if _, ok := cache.Folders["f1"]; ok {
		t.Error("RemoveCollection must drop the folder entry")
	}
	if _, ok := cache.Collections["f2"]; !ok {
		t.Error("RemoveCollection must leave other collections alone")
	}
}

func TestConfirmSyncKey(t *testing.T) {
	cache := &SyncCache{}
	cache.ConfirmSyncKey("{abc}2")
	if !cache.ConfirmedSyncKeys["{abc}2"] {
		t.Error("ConfirmSyncKey must record the key even on a bare struct")
	}
}
