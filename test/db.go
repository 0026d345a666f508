// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package test

import (
	"os"
	"path/filepath"
	"testing"
)

// DBType enumerates the database dialects the tests can run against.
type DBType int

const (
	DBTypeSQLite DBType = iota
	DBTypePostgres
)

// PostgresURIEnv names the environment variable holding a postgres
// connection string for the tests. When unset, postgres tests are
// skipped.
const PostgresURIEnv = "SYNCSTATE_TEST_PG_URI"

// PrepareDBConnectionString returns a connection string for a fresh test
// database of the given type and a cleanup function.
func PrepareDBConnectionString(t *testing.T, dbType DBType) (string, func()) {
	t.Helper()
	switch dbType {
	case DBTypePostgres:
		uri := os.Getenv(PostgresURIEnv)
		if uri == "" {
			t.Skipf("set %s to run postgres tests", PostgresURIEnv)
		}
		return uri, func() {}
	default:
		dir := t.TempDir()
		return "file:" + filepath.Join(dir, "syncstate.db"), func() {}
	}
}

// WithAllDatabases runs the given test against every available database
// dialect: always sqlite, and postgres when configured through the
// environment.
func WithAllDatabases(t *testing.T, testFn func(t *testing.T, dbType DBType)) {
	t.Helper()
	dbs := map[string]DBType{
		"sqlite": DBTypeSQLite,
	}
	if os.Getenv(PostgresURIEnv) != "" {
		dbs["postgres"] = DBTypePostgres
	}
	for name, dbType := range dbs {
		dbt := dbType
		t.Run(name, func(t *testing.T) {
			testFn(t, dbt)
		})
	}
}
