package config

// SyncState configures the sync-state engine.
type SyncState struct {
	// The database where sync keys, state snapshots, change maps, device
	// records and the sync cache are stored.
	Database DatabaseOptions `yaml:"database,omitempty"`

	// StampUpdateThreshold is the minimum gap between the previous and the
	// current sync stamp before an idle collection gets a stamp-only
	// refresh. Expressed in backend stamp units.
	// Note: if stamp_update_threshold is not set, it will default to 30000.
	StampUpdateThreshold int64 `yaml:"stamp_update_threshold,omitempty"`

	// DisableGC turns off the opportunistic garbage collection of stale
	// state and change-map generations. Only useful for debugging.
	DisableGC bool `yaml:"disable_gc"`
}

// DefaultStampUpdateThreshold is the default idle-collection stamp window.
const DefaultStampUpdateThreshold = 30000

func (c *SyncState) Defaults(opts DefaultOpts) {
	c.StampUpdateThreshold = DefaultStampUpdateThreshold
	c.Database.Defaults(10)
	if opts.Generate {
		c.Database.ConnectionString = "file:syncstate.db"
	}
}

func (c *SyncState) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "sync_state.database.connection_string", string(c.Database.ConnectionString))
	checkPositive(configErrs, "sync_state.stamp_update_threshold", c.StampUpdateThreshold)
}
