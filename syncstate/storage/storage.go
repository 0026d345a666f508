// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"fmt"

	"github.com/maintaina-com/ActiveSync/internal/sqlutil"
	"github.com/maintaina-com/ActiveSync/setup/config"
	"github.com/maintaina-com/ActiveSync/syncstate/storage/postgres"
	"github.com/maintaina-com/ActiveSync/syncstate/storage/sqlite3"
)

// NewSyncStateDatabase opens a database connection for the sync-state
// engine, selecting the dialect from the connection string.
func NewSyncStateDatabase(conMan *sqlutil.Connections, dbProperties *config.DatabaseOptions) (Database, error) {
	switch {
	case dbProperties.ConnectionString.IsSQLite():
		return sqlite3.NewDatabase(conMan, dbProperties)
	case dbProperties.ConnectionString.IsPostgres():
		return postgres.NewDatabase(conMan, dbProperties)
	default:
		return nil, fmt.Errorf("unexpected database type")
	}
}
