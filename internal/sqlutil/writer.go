// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlutil

import (
	"database/sql"
	"errors"
	"sync"
)

// The Writer interface is designed to allow us to use direct database writes
// on PostgreSQL, but to serialise them on SQLite. SQLite does not like
// concurrent writes from multiple connections, so the ExclusiveWriter
// forces all writes through a mutex.
type Writer interface {
	// Queue up one or more database write operations within the
	// provided function to be executed when it is safe to do so.
	Do(db *sql.DB, txn *sql.Tx, f func(txn *sql.Tx) error) error
}

// DummyWriter executes the given transaction directly. This is used for
// database engines that support concurrent writes.
type DummyWriter struct {
}

// NewDummyWriter returns a new dummy writer.
func NewDummyWriter() Writer {
	return &DummyWriter{}
}

func (w *DummyWriter) Do(db *sql.DB, txn *sql.Tx, f func(txn *sql.Tx) error) error {
	if db != nil && txn == nil {
		return WithTransaction(db, f)
	} else {
		return f(txn)
	}
}

// ExclusiveWriter implements sqlutil.Writer.
// ExclusiveWriter allows queuing database writes so that you don't
// contend on database locks in, e.g. SQLite. Only one task will run
// at a time.
type ExclusiveWriter struct {
	running sync.Mutex
}

// NewExclusiveWriter returns a new exclusive writer.
func NewExclusiveWriter() Writer {
	return &ExclusiveWriter{}
}

// Do wraps the given function in an exclusive section so that only one
// write runs at a time. If the database handle is supplied and no
// transaction is given, a new transaction is opened for the write.
func (w *ExclusiveWriter) Do(db *sql.DB, txn *sql.Tx, f func(txn *sql.Tx) error) error {
	if w == nil {
		return errors.New("no writer")
	}
	w.running.Lock()
	defer w.running.Unlock()
	if db != nil && txn == nil {
		return WithTransaction(db, f)
	}
	return f(txn)
}
