// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"io"

	"github.com/sirupsen/logrus"
)

// CloseAndLogIfError closes the given closer, logging any error at warning
// level. Used on deferred closes where the error cannot change the outcome.
func CloseAndLogIfError(ctx context.Context, closer io.Closer, message string) {
	if closer == nil {
		return
	}
	err := closer.Close()
	if ctx == nil {
		ctx = context.TODO()
	}
	if err != nil {
		logrus.WithContext(ctx).WithError(err).Warn(message)
	}
}
