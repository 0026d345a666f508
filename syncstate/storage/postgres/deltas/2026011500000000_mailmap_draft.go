// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package deltas

import (
	"context"
	"database/sql"
	"fmt"
)

// UpMailMapDraft adds the sync_draft column for installations created
// before draft synchronization existed.
func UpMailMapDraft(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		ALTER TABLE mailmap ADD COLUMN IF NOT EXISTS sync_draft BOOLEAN;
	`)
	if err != nil {
		return fmt.Errorf("failed to execute mailmap draft upgrade: %w", err)
	}
	return nil
}

func DownMailMapDraft(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		ALTER TABLE mailmap DROP COLUMN IF EXISTS sync_draft;
	`)
	if err != nil {
		return fmt.Errorf("failed to execute mailmap draft downgrade: %w", err)
	}
	return nil
}
