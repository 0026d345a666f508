// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/maintaina-com/ActiveSync/syncstate/types"
)

// GetSyncCache returns the sync cache of the current device and user, or
// the zero-value schema when no row exists. When fields are given, only
// those top-level fields are populated in the result.
func (m *StateManager) GetSyncCache(ctx context.Context, fields ...string) (*types.SyncCache, error) {
	db, err := m.store()
	if err != nil {
		return nil, err
	}
	blob, err := db.SyncCache(ctx, m.deviceID, m.user)
	if err != nil {
		return nil, m.fatal(err, "loading sync cache")
	}
	if len(blob) == 0 {
		return types.NewSyncCache(), nil
	}
	// The timestamp is persisted in string form; normalize it back to a
	// number before decoding.
	if ts := gjson.GetBytes(blob, "timestamp"); ts.Exists() {
		if blob, err = sjson.SetBytes(blob, "timestamp", ts.Int()); err != nil {
			return nil, m.fatal(err, "normalizing cache timestamp")
		}
	}
	cache := types.NewSyncCache()
	if err = json.Unmarshal(blob, cache); err != nil {
		return nil, m.fatal(err, "decoding sync cache")
	}
	if len(fields) > 0 {
		cache = projectCache(cache, fields)
	}
	return cache, nil
}

// SaveSyncCache upserts the cache row for the current device and user.
// The timestamp field is forced to string form before persistence, as
// deployed installations expect.
func (m *StateManager) SaveSyncCache(ctx context.Context, cache *types.SyncCache) error {
	db, err := m.store()
	if err != nil {
		return err
	}
	cache.Timestamp = time.Now().Unix()
	blob, err := json.Marshal(cache)
	if err != nil {
		return m.fatal(err, "encoding sync cache")
	}
	if blob, err = sjson.SetBytes(blob, "timestamp", strconv.FormatInt(cache.Timestamp, 10)); err != nil {
		return m.fatal(err, "stringifying cache timestamp")
	}
	if err = db.PutSyncCache(ctx, m.deviceID, m.user, blob); err != nil {
		return m.fatal(err, "saving sync cache")
	}
	return nil
}

// DeleteSyncCache deletes the cache rows matching the non-empty
// arguments.
func (m *StateManager) DeleteSyncCache(ctx context.Context, deviceID, user string) error {
	db, err := m.store()
	if err != nil {
		return err
	}
	if err = db.DeleteSyncCache(ctx, deviceID, user); err != nil {
		return m.fatal(err, "deleting sync cache")
	}
	return nil
}

// projectCache copies only the requested top-level fields onto a fresh
// zero-value cache.
func projectCache(cache *types.SyncCache, fields []string) *types.SyncCache {
	out := types.NewSyncCache()
	for _, field := range fields {
		switch field {
		case "confirmed_synckeys":
			out.ConfirmedSyncKeys = cache.ConfirmedSyncKeys
		case "lasthbsyncstarted":
			out.LastHBSyncStarted = cache.LastHBSyncStarted
		case "lastsyncendnormal":
			out.LastSyncEndNormal = cache.LastSyncEndNormal
		case "timestamp":
			out.Timestamp = cache.Timestamp
		case "wait":
			out.Wait = cache.Wait
		case "hbinterval":
			out.HBInterval = cache.HBInterval
		case "folders":
			out.Folders = cache.Folders
		case "hierarchy":
			out.Hierarchy = cache.Hierarchy
		case "collections":
			out.Collections = cache.Collections
		case "pingheartbeat":
			out.PingHeartbeat = cache.PingHeartbeat
		case "synckeycounter":
			out.SyncKeyCounter = cache.SyncKeyCounter
		}
	}
	return out
}
