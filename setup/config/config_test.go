package config

import (
	"strings"
	"testing"
)

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig([]byte(`
version: 1
global:
  sentry:
    enabled: false
sync_state:
  database:
    connection_string: file:syncstate.db
    max_open_conns: 20
`))
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if !cfg.SyncState.Database.ConnectionString.IsSQLite() {
		t.Error("connection string must parse as sqlite")
	}
	if cfg.SyncState.Database.MaxOpenConns() != 20 {
		t.Errorf("unexpected max open conns %d", cfg.SyncState.Database.MaxOpenConns())
	}
	if cfg.SyncState.StampUpdateThreshold != DefaultStampUpdateThreshold {
		t.Errorf("defaults must fill the stamp threshold, got %d", cfg.SyncState.StampUpdateThreshold)
	}
}

func TestVerifyCatchesProblems(t *testing.T) {
	_, err := loadConfig([]byte(`
version: 1
global:
  sentry:
    enabled: true
sync_state:
  database:
    connection_string: ""
`))
	if err == nil {
		t.Fatal("verification must fail")
	}
	if !strings.Contains(err.Error(), "problems") && !strings.Contains(err.Error(), "missing config key") {
		t.Errorf("unexpected error text %q", err.Error())
	}
}

func TestDataSourceDialects(t *testing.T) {
	if !DataSource("postgres://u@localhost/db").IsPostgres() {
		t.Error("postgres:// must parse as postgres")
	}
	if !DataSource("postgresql://u@localhost/db").IsPostgres() {
		t.Error("postgresql:// must parse as postgres")
	}
	if DataSource("file:test.db").IsPostgres() || !DataSource("file:test.db").IsSQLite() {
		t.Error("file: must parse as sqlite")
	}
	if DataSource("mysql://nope").IsSQLite() || DataSource("mysql://nope").IsPostgres() {
		t.Error("unknown schemes must parse as neither dialect")
	}
}
