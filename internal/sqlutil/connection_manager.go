// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlutil

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/maintaina-com/ActiveSync/setup/config"
)

// Connections hands out database connections for the given database options,
// reusing the same connection and writer when the same data source is
// requested more than once.
type Connections struct {
	writers sync.Map // connection string -> Writer
	dbs     sync.Map // connection string -> *sql.DB
	mutex   sync.Mutex
}

// NewConnectionManager returns a new connection manager.
func NewConnectionManager() *Connections {
	return &Connections{}
}

// Connection opens (or reuses) a database connection for the given options.
// SQLite connections are given an exclusive writer and a single connection,
// since SQLite does not tolerate concurrent writers.
func (c *Connections) Connection(dbProperties *config.DatabaseOptions) (*sql.DB, Writer, error) {
	if dbProperties.ConnectionString == "" {
		return nil, nil, fmt.Errorf("no database connection string provided")
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	connString := string(dbProperties.ConnectionString)
	if db, ok := c.dbs.Load(connString); ok {
		writer, _ := c.writers.Load(connString)
		return db.(*sql.DB), writer.(Writer), nil
	}
	var driverName string
	var writer Writer
	switch {
	case dbProperties.ConnectionString.IsSQLite():
		driverName = SQLiteDriverName()
		writer = NewExclusiveWriter()
	case dbProperties.ConnectionString.IsPostgres():
		driverName = "postgres"
		writer = NewDummyWriter()
	default:
		return nil, nil, fmt.Errorf("unexpected database connection string %q", connString)
	}
	db, err := sql.Open(driverName, connString)
	if err != nil {
		return nil, nil, fmt.Errorf("sql.Open: %w", err)
	}
	if driverName == SQLiteDriverName() {
		// SQLite is happiest with exactly one connection.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(dbProperties.MaxOpenConns())
		db.SetMaxIdleConns(dbProperties.MaxIdleConns())
		db.SetConnMaxLifetime(dbProperties.ConnMaxLifetime())
	}
	c.dbs.Store(connString, db)
	c.writers.Store(connString, writer)
	return db, writer, nil
}
