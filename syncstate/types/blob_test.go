package types

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFolderSnapshotRoundTrip(t *testing.T) {
	snapshot := NewFolderSnapshot()
	snapshot.Folders = []FolderEntry{
		{ID: "1", ServerID: "INBOX", ParentID: "0", DisplayName: "Inbox", Type: 2},
		{ID: "2", ServerID: "INBOX/Sent", ParentID: "1", DisplayName: "Sent", Type: 5},
	}
	blob, err := snapshot.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got, err := DecodeFolderSnapshot(blob)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if diff := cmp.Diff(snapshot, got); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeFolderSnapshotEmpty(t *testing.T) {
	got, err := DecodeFolderSnapshot(nil)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(got.Folders) != 0 {
		t.Errorf("empty blob must decode to empty snapshot, got %d folders", len(got.Folders))
	}
}

func TestDecodeRejectsNewerVersion(t *testing.T) {
	if _, err := DecodeFolderSnapshot([]byte(`{"v":99,"folders":[]}`)); err == nil {
		t.Error("decoding a newer blob version must fail")
	}
	if _, err := DecodeCollectionState([]byte(`{"v":99,"class":"Email"}`), ClassEmail); err == nil {
		t.Error("decoding a newer blob version must fail")
	}
	if _, err := DecodeCollectionState([]byte(`{"class":"Email"}`), ClassEmail); err == nil {
		t.Error("decoding an untagged blob must fail")
	}
}

func TestCollectionStateRoundTrip(t *testing.T) {
	state := NewCollectionState(ClassEmail)
	state.ServerID = "INBOX"
	state.Messages[101] = MessageFlagState{Read: true}
	state.Messages[102] = MessageFlagState{Read: false, Flagged: true}
	blob, err := state.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got, err := DecodeCollectionState(blob, ClassEmail)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if diff := cmp.Diff(state, got); diff != "" {
		t.Errorf("state mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeCollectionStateSynthesizesClass(t *testing.T) {
	email, err := DecodeCollectionState(nil, ClassEmail)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !email.IsEmail() || email.Messages == nil {
		t.Errorf("empty email blob must synthesize an email snapshot: %+v", email)
	}
	contacts, err := DecodeCollectionState(nil, ClassContacts)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if contacts.IsEmail() || contacts.Items == nil {
		t.Errorf("empty contacts blob must synthesize an item snapshot: %+v", contacts)
	}
}

func TestPendingChangesRoundTrip(t *testing.T) {
	read := true
	changes := []Change{
		{UID: "5", Type: ChangeTypeChange, Class: ClassEmail, ModTime: 42, Flags: &MessageFlags{Read: &read}},
		{UID: "7", Type: ChangeTypeDelete},
	}
	blob, err := (&PendingChanges{Changes: changes}).Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got, err := DecodePendingChanges(blob)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if diff := cmp.Diff(changes, got); diff != "" {
		t.Errorf("pending changes mismatch (-want +got):\n%s", diff)
	}
	empty, err := DecodePendingChanges(nil)
	if err != nil || empty != nil {
		t.Errorf("empty pending blob must decode to nil, got %v, %v", empty, err)
	}
}

func TestCategoryDigest(t *testing.T) {
	a := &MessageFlags{Categories: []string{"Work", "Urgent"}}
	b := &MessageFlags{Categories: []string{"WorkUrgent"}}
	if a.CategoryDigest() != b.CategoryDigest() {
		t.Error("digest is over the concatenation, ordering aside these must match")
	}
	if a.CategoryDigest() == (&MessageFlags{Categories: []string{"Home"}}).CategoryDigest() {
		t.Error("different categories must digest differently")
	}
}
