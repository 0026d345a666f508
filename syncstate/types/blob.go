package types

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// BlobVersion is the current version of the snapshot blob encoding. Stored
// inside every blob so the encoding can change without a flag day.
const BlobVersion = 1

func checkBlobVersion(blob []byte) error {
	v := gjson.GetBytes(blob, "v")
	if !v.Exists() {
		return fmt.Errorf("snapshot blob carries no version tag")
	}
	if v.Int() > BlobVersion {
		return fmt.Errorf("snapshot blob version %d is newer than supported version %d", v.Int(), BlobVersion)
	}
	return nil
}

// FolderSnapshot is the hierarchy state stored under the foldersync
// sentinel: the folder list as last acknowledged by the client.
type FolderSnapshot struct {
	Version int           `json:"v"`
	Folders []FolderEntry `json:"folders"`
}

func NewFolderSnapshot() *FolderSnapshot {
	return &FolderSnapshot{Version: BlobVersion}
}

func (s *FolderSnapshot) Encode() ([]byte, error) {
	s.Version = BlobVersion
	return json.Marshal(s)
}

// DecodeFolderSnapshot decodes a hierarchy blob. An empty blob yields an
// empty snapshot.
func DecodeFolderSnapshot(blob []byte) (*FolderSnapshot, error) {
	if len(blob) == 0 {
		return NewFolderSnapshot(), nil
	}
	if err := checkBlobVersion(blob); err != nil {
		return nil, err
	}
	var s FolderSnapshot
	if err := json.Unmarshal(blob, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// MessageFlagState is the last-known flag state of one email uid.
type MessageFlagState struct {
	Read    bool `json:"read"`
	Flagged bool `json:"flagged,omitempty"`
	Draft   bool `json:"draft,omitempty"`
}

// ItemStat is the last-known stat tuple of one PIM item.
type ItemStat struct {
	ID   string `json:"id"`
	Mod  string `json:"mod"`
	Flag int    `json:"flag,omitempty"`
}

// CollectionState is the per-collection snapshot: IMAP uids with their
// flags for email collections, item stat tuples for everything else.
type CollectionState struct {
	Version  int    `json:"v"`
	Class    string `json:"class"`
	ServerID string `json:"serverid,omitempty"`

	// Messages is populated for ClassEmail only.
	Messages map[uint32]MessageFlagState `json:"messages,omitempty"`
	// Items is populated for every other class.
	Items map[string]ItemStat `json:"items,omitempty"`
}

// NewCollectionState returns an empty snapshot of the right shape for the
// given class.
func NewCollectionState(class string) *CollectionState {
	s := &CollectionState{Version: BlobVersion, Class: class}
	if class == ClassEmail {
		s.Messages = make(map[uint32]MessageFlagState)
	} else {
		s.Items = make(map[string]ItemStat)
	}
	return s
}

func (s *CollectionState) IsEmail() bool {
	return s.Class == ClassEmail
}

func (s *CollectionState) Encode() ([]byte, error) {
	s.Version = BlobVersion
	return json.Marshal(s)
}

// DecodeCollectionState decodes a collection blob. An empty blob
// synthesizes an empty snapshot of the class named by the inbound
// collection metadata.
func DecodeCollectionState(blob []byte, class string) (*CollectionState, error) {
	if len(blob) == 0 {
		return NewCollectionState(class), nil
	}
	if err := checkBlobVersion(blob); err != nil {
		return nil, err
	}
	var s CollectionState
	if err := json.Unmarshal(blob, &s); err != nil {
		return nil, err
	}
	if s.Class == "" {
		s.Class = class
	}
	if s.IsEmail() && s.Messages == nil {
		s.Messages = make(map[uint32]MessageFlagState)
	}
	if !s.IsEmail() && s.Items == nil {
		s.Items = make(map[string]ItemStat)
	}
	return &s, nil
}

// PendingChanges is the list of server changes deferred by window-size
// truncation, persisted alongside the snapshot and drained over the
// following sync cycles.
type PendingChanges struct {
	Version int      `json:"v"`
	Changes []Change `json:"changes"`
}

func (p *PendingChanges) Encode() ([]byte, error) {
	p.Version = BlobVersion
	return json.Marshal(p)
}

func DecodePendingChanges(blob []byte) ([]Change, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	if err := checkBlobVersion(blob); err != nil {
		return nil, err
	}
	var p PendingChanges
	if err := json.Unmarshal(blob, &p); err != nil {
		return nil, err
	}
	return p.Changes, nil
}
