// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
)

// RequestType identifies which protocol command a state load belongs to.
type RequestType string

const (
	RequestTypeSync       RequestType = "sync"
	RequestTypeFolderSync RequestType = "foldersync"
)

// FolderSyncID is the sentinel folder id under which hierarchy state rows
// are stored, as opposed to per-collection state rows.
const FolderSyncID = "foldersync"

// ChangeOrigin says which side of the sync produced a change.
type ChangeOrigin int

const (
	// OriginPIM is a client-originated change being imported.
	OriginPIM ChangeOrigin = iota
	// OriginServer is a server-side change being dispatched to the client.
	OriginServer
)

func (o ChangeOrigin) String() string {
	if o == OriginPIM {
		return "pim"
	}
	return "server"
}

// ChangeType is the verb of a sync change.
type ChangeType string

const (
	ChangeTypeAdd        ChangeType = "add"
	ChangeTypeChange     ChangeType = "change"
	ChangeTypeDelete     ChangeType = "delete"
	ChangeTypeFlags      ChangeType = "flags"
	ChangeTypeDraft      ChangeType = "draft"
	ChangeTypeSoftDelete ChangeType = "softdelete"
)

// Collection classes as they appear in collection metadata.
const (
	ClassEmail    = "Email"
	ClassContacts = "Contacts"
	ClassCalendar = "Calendar"
	ClassTasks    = "Tasks"
	ClassNotes    = "Notes"
)

// RWStatus is the remote wipe status of a device.
type RWStatus int

const (
	RWStatusNA RWStatus = iota
	RWStatusOK
	RWStatusPending
	RWStatusWiped
)

// Provisioned returns true if the status does not require the device to go
// (back) through provisioning before further syncing.
func (s RWStatus) Provisioned() bool {
	return s == RWStatusNA || s == RWStatusOK
}

// Protocol statuses the core maps its errors onto. The protocol layer is
// responsible for encoding these on the wire.
const (
	StatusProvision     = 2
	StatusKeyMismatch   = 9
	StatusProtocolError = 10
)

// Collection is the inbound collection metadata accompanying a SYNC request.
type Collection struct {
	ID    string
	Class string
}

// FolderEntry is one folder in the hierarchy snapshot.
type FolderEntry struct {
	ID          string `json:"id"`
	ServerID    string `json:"serverid"`
	ParentID    string `json:"parent"`
	DisplayName string `json:"displayname"`
	Type        int    `json:"type"`
}

// MessageFlags carries the flag mutations of an email change. Only the
// pointers that are non-nil were present on the wire.
type MessageFlags struct {
	Read       *bool    `json:"read,omitempty"`
	Flagged    *bool    `json:"flagged,omitempty"`
	Deleted    *bool    `json:"deleted,omitempty"`
	Changed    *bool    `json:"changed,omitempty"`
	Draft      *bool    `json:"draft,omitempty"`
	Categories []string `json:"categories,omitempty"`
}

// Empty returns true if no flag at all was set.
func (f *MessageFlags) Empty() bool {
	if f == nil {
		return true
	}
	return f.Read == nil && f.Flagged == nil && f.Deleted == nil &&
		f.Changed == nil && f.Draft == nil && len(f.Categories) == 0
}

// CategoryDigest returns the digest stored in the mailmap for a category
// change: the md5 of the concatenated category strings.
func (f *MessageFlags) CategoryDigest() string {
	sum := md5.Sum([]byte(strings.Join(f.Categories, "")))
	return hex.EncodeToString(sum[:])
}

// Change is a single sync change, client- or server-originated. For
// hierarchy changes UID carries the client-facing folder id and Folder the
// folder record; for item changes UID carries the message uid.
type Change struct {
	UID      string        `json:"uid"`
	Type     ChangeType    `json:"type"`
	Class    string        `json:"class,omitempty"`
	ClientID string        `json:"clientid,omitempty"`
	ModTime  int64         `json:"modtime,omitempty"`
	Flags    *MessageFlags `json:"flags,omitempty"`
	Folder   *FolderEntry  `json:"folder,omitempty"`
}
