// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"

	"github.com/maintaina-com/ActiveSync/syncstate/storage/tables"
	"github.com/maintaina-com/ActiveSync/syncstate/types"
)

// Loop suppression: before exporting server-visible changes, the change
// map is consulted so a change a client itself imported is never sent
// back to it. Map rows are fresh for the current and the immediately
// preceding generation of the series; anything older is GC fodder.

// IsDuplicatePIMAddition returns the server uid assigned to an earlier
// Add carrying the same client id, or "" if it is not a retry. Lets the
// server answer idempotently when the Add response was lost.
func (m *StateManager) IsDuplicatePIMAddition(ctx context.Context, clientID string) (string, error) {
	db, err := m.store()
	if err != nil {
		return "", err
	}
	uid, err := db.UIDForClientID(ctx, m.deviceID, m.user, clientID)
	if err != nil {
		return "", m.fatal(err, "checking duplicate addition")
	}
	return uid, nil
}

// IsDuplicatePIMChange reports whether the uid already has a map row
// under the given sync key, i.e. the client has already seen its own
// change applied.
func (m *StateManager) IsDuplicatePIMChange(ctx context.Context, uid string, syncKey types.SyncKey) (bool, error) {
	db, err := m.store()
	if err != nil {
		return false, err
	}
	dup, err := db.HasMapRow(ctx, m.deviceID, m.user, uid, syncKey.String())
	if err != nil {
		return false, m.fatal(err, "checking duplicate change")
	}
	return dup, nil
}

// windowKeys returns the map freshness window: the current key and, past
// generation 1, the previous generation of the same series.
func (m *StateManager) windowKeys() []string {
	if m.syncKey.IsZero() {
		return nil
	}
	keys := []string{m.syncKey.String()}
	if m.syncKey.Counter > 1 {
		keys = append(keys, m.syncKey.Previous().String())
	}
	return keys
}

// GetPIMChangeTimestamps returns, for each candidate uid, the newest map
// modtime recorded in the freshness window. Delete candidates only match
// rows that recorded a delete. Callers drop any candidate whose server
// modtime is not newer: the client already has that state.
func (m *StateManager) GetPIMChangeTimestamps(ctx context.Context, changes []types.Change) (map[string]int64, error) {
	db, err := m.store()
	if err != nil {
		return nil, err
	}
	keys := m.windowKeys()
	var uids, deleteUIDs []string
	for _, c := range changes {
		if c.Type == types.ChangeTypeDelete {
			deleteUIDs = append(deleteUIDs, c.UID)
		} else {
			uids = append(uids, c.UID)
		}
	}
	result, err := db.ChangeTimestamps(ctx, m.deviceID, m.user, m.folderID(), keys, uids, false)
	if err != nil {
		return nil, m.fatal(err, "loading change timestamps")
	}
	deleted, err := db.ChangeTimestamps(ctx, m.deviceID, m.user, m.folderID(), keys, deleteUIDs, true)
	if err != nil {
		return nil, m.fatal(err, "loading delete timestamps")
	}
	for uid, ts := range deleted {
		result[uid] = ts
	}
	return result, nil
}

// GetMailMapChanges returns, per candidate uid, which verbs the recorded
// mailmap row agrees with. An agreeing candidate is a reflection of the
// client's own change and is dropped from the export.
func (m *StateManager) GetMailMapChanges(ctx context.Context, changes []types.Change) (map[string]map[types.ChangeType]bool, error) {
	db, err := m.store()
	if err != nil {
		return nil, err
	}
	uids := make([]string, 0, len(changes))
	for _, c := range changes {
		uids = append(uids, c.UID)
	}
	rows, err := db.MailMapRows(ctx, m.deviceID, m.user, m.folderID(), m.windowKeys(), uids)
	if err != nil {
		return nil, m.fatal(err, "loading mailmap rows")
	}
	byUID := make(map[string][]int)
	for i := range rows {
		byUID[rows[i].MessageUID] = append(byUID[rows[i].MessageUID], i)
	}
	result := make(map[string]map[types.ChangeType]bool, len(changes))
	for _, change := range changes {
		verdict := map[types.ChangeType]bool{}
		for _, i := range byUID[change.UID] {
			row := rows[i]
			if flagsAgree(&row, change) {
				verdict[types.ChangeTypeFlags] = true
			}
			if row.Deleted != nil && *row.Deleted {
				verdict[types.ChangeTypeDelete] = true
			}
			if row.Changed != nil && *row.Changed {
				verdict[types.ChangeTypeChange] = true
			}
			if row.Draft != nil && *row.Draft {
				verdict[types.ChangeTypeDraft] = true
			}
		}
		result[change.UID] = verdict
	}
	return result, nil
}

// HasPIMChanges reports whether loop suppression needs to run at all.
// For email the probe is skipped: consulting the mailmap always pays off
// there.
func (m *StateManager) HasPIMChanges(ctx context.Context) (bool, error) {
	if m.collectionClass() == types.ClassEmail {
		return true, nil
	}
	db, err := m.store()
	if err != nil {
		return false, err
	}
	has, err := db.HasPIMMapRows(ctx, m.deviceID, m.user, m.folderID(), m.windowKeys())
	if err != nil {
		return false, m.fatal(err, "probing change map")
	}
	return has, nil
}

// flagsAgree compares the recorded flag column with the candidate's
// flags: equal means the candidate is the client's own change.
func flagsAgree(row *tables.MailMapRow, change types.Change) bool {
	flags := change.Flags
	if flags == nil {
		return false
	}
	switch {
	case row.Read != nil && flags.Read != nil:
		return *row.Read == *flags.Read
	case row.Flagged != nil && flags.Flagged != nil:
		return *row.Flagged == *flags.Flagged
	case row.Category != nil && len(flags.Categories) > 0:
		return *row.Category == flags.CategoryDigest()
	}
	return false
}
