// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"github.com/maintaina-com/ActiveSync/internal/sqlutil"
	"github.com/maintaina-com/ActiveSync/setup/config"
	"github.com/maintaina-com/ActiveSync/syncstate/storage/shared"
	_ "github.com/mattn/go-sqlite3"
)

// NewDatabase opens a sqlite database and prepares the sync-state tables.
func NewDatabase(conMan *sqlutil.Connections, dbProperties *config.DatabaseOptions) (*shared.Database, error) {
	db, writer, err := conMan.Connection(dbProperties)
	if err != nil {
		return nil, err
	}
	state, err := NewSqliteStateTable(db)
	if err != nil {
		return nil, err
	}
	syncMap, err := NewSqliteMapTable(db)
	if err != nil {
		return nil, err
	}
	mailMap, err := NewSqliteMailMapTable(db)
	if err != nil {
		return nil, err
	}
	deviceUser, err := NewSqliteDeviceUserTable(db)
	if err != nil {
		return nil, err
	}
	device, err := NewSqliteDeviceTable(db)
	if err != nil {
		return nil, err
	}
	cache, err := NewSqliteCacheTable(db)
	if err != nil {
		return nil, err
	}
	return &shared.Database{
		DB:         db,
		Writer:     writer,
		State:      state,
		Map:        syncMap,
		MailMap:    mailMap,
		Device:     device,
		DeviceUser: deviceUser,
		Cache:      cache,
	}, nil
}
