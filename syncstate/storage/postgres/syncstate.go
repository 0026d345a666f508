// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"

	"github.com/maintaina-com/ActiveSync/internal/sqlutil"
	"github.com/maintaina-com/ActiveSync/setup/config"
	"github.com/maintaina-com/ActiveSync/syncstate/storage/postgres/deltas"
	"github.com/maintaina-com/ActiveSync/syncstate/storage/shared"
	_ "github.com/lib/pq"
)

// NewDatabase opens a postgres database and prepares the sync-state tables.
func NewDatabase(conMan *sqlutil.Connections, dbProperties *config.DatabaseOptions) (*shared.Database, error) {
	db, writer, err := conMan.Connection(dbProperties)
	if err != nil {
		return nil, err
	}
	state, err := NewPostgresStateTable(db)
	if err != nil {
		return nil, err
	}
	syncMap, err := NewPostgresMapTable(db)
	if err != nil {
		return nil, err
	}
	mailMap, err := NewPostgresMailMapTable(db)
	if err != nil {
		return nil, err
	}
	deviceUser, err := NewPostgresDeviceUserTable(db)
	if err != nil {
		return nil, err
	}
	device, err := NewPostgresDeviceTable(db)
	if err != nil {
		return nil, err
	}
	cache, err := NewPostgresCacheTable(db)
	if err != nil {
		return nil, err
	}
	m := sqlutil.NewMigrator(db)
	m.AddMigrations(sqlutil.Migration{
		Version: "syncstate: mailmap draft column",
		Up:      deltas.UpMailMapDraft,
		Down:    deltas.DownMailMapDraft,
	})
	if err := m.Up(context.Background()); err != nil {
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
