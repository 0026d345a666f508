package types

// CacheFolder is the folder-list fingerprint entry kept in the sync cache
// for each server id.
type CacheFolder struct {
	Class       string `json:"class"`
	ParentID    string `json:"parent"`
	DisplayName string `json:"display"`
	Type        int    `json:"type"`
}

// CacheCollection is the per-collection option block remembered across
// long-poll sessions.
type CacheCollection struct {
	Class          string `json:"class"`
	SyncKey        string `json:"synckey,omitempty"`
	WindowSize     int    `json:"windowsize,omitempty"`
	FilterType     int    `json:"filtertype,omitempty"`
	Conflict       int    `json:"conflict,omitempty"`
	MIMESupport    int    `json:"mimesupport,omitempty"`
	MIMETruncation int    `json:"mimetruncation,omitempty"`
	DeletesAsMoves bool   `json:"deletesasmoves,omitempty"`
	GetChanges     bool   `json:"getchanges,omitempty"`
}

// SyncCache is the per-(device,user) resumable context for long-poll
// requests. An absent cache row deserializes to the zero-value schema
// returned by NewSyncCache.
type SyncCache struct {
	ConfirmedSyncKeys map[string]bool            `json:"confirmed_synckeys"`
	LastHBSyncStarted int64                      `json:"lasthbsyncstarted"`
	LastSyncEndNormal int64                      `json:"lastsyncendnormal"`
	Timestamp         int64                      `json:"timestamp"`
	Wait              int                        `json:"wait"`
	HBInterval        int                        `json:"hbinterval"`
	Folders           map[string]CacheFolder     `json:"folders"`
	Hierarchy         string                     `json:"hierarchy"`
	Collections       map[string]CacheCollection `json:"collections"`
	PingHeartbeat     int                        `json:"pingheartbeat"`
	SyncKeyCounter    map[string]uint64          `json:"synckeycounter"`
}

// NewSyncCache returns the zero-value cache schema.
func NewSyncCache() *SyncCache {
	return &SyncCache{
		ConfirmedSyncKeys: make(map[string]bool),
		Folders:           make(map[string]CacheFolder),
		Hierarchy:         "0",
		Collections:       make(map[string]CacheCollection),
		SyncKeyCounter:    make(map[string]uint64),
	}
}

// ConfirmSyncKey records a sync key the client has proven to possess.
func (c *SyncCache) ConfirmSyncKey(key string) {
	if c.ConfirmedSyncKeys == nil {
		c.ConfirmedSyncKeys = make(map[string]bool)
	}
	c.ConfirmedSyncKeys[key] = true
}

// StartHeartbeat marks the opening of a long-poll window.
func (c *SyncCache) StartHeartbeat(now int64) {
	c.LastHBSyncStarted = now
}

// EndHeartbeatNormal marks a long-poll response that was actually
// delivered to the client.
func (c *SyncCache) EndHeartbeatNormal(now int64) {
	c.LastSyncEndNormal = now
	c.LastHBSyncStarted = 0
}

// HeartbeatInterrupted reports whether the previous long-poll ended
// without a delivered response. Folder and collection lists must then be
// treated as potentially stale and reloaded.
func (c *SyncCache) HeartbeatInterrupted() bool {
	return c.LastHBSyncStarted != 0 && c.LastHBSyncStarted > c.LastSyncEndNormal
}

// ClearHierarchy drops the folder list fingerprint, the per-collection
// blocks and the hierarchy key. Used when hierarchy state is reset.
func (c *SyncCache) ClearHierarchy() {
	c.Folders = make(map[string]CacheFolder)
	c.Collections = make(map[string]CacheCollection)
	c.SyncKeyCounter = make(map[string]uint64)
	c.Hierarchy = "0"
}

// RemoveCollection drops a single collection from the cache.
func (c *SyncCache) RemoveCollection(serverID string) {
	delete(c.Collections, serverID)
	delete(c.Folders, serverID)
	delete(c.SyncKeyCounter, serverID)
}
