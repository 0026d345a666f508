// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"

	"github.com/pkg/errors"

	"github.com/maintaina-com/ActiveSync/syncstate/storage/shared"
	"github.com/maintaina-com/ActiveSync/syncstate/storage/tables"
	"github.com/maintaina-com/ActiveSync/syncstate/types"
)

// LoadDeviceOptions controls LoadDeviceInfo.
type LoadDeviceOptions struct {
	// Force bypasses the manager's device cache. Needed by long-running
	// requests: the wipe status can be flipped out-of-band while they
	// sleep.
	Force bool
}

// LoadDeviceInfo returns the device record, from the manager's cache when
// the same id was loaded before.
func (m *StateManager) LoadDeviceInfo(ctx context.Context, deviceID string, opts LoadDeviceOptions) (*tables.DeviceRow, error) {
	if !opts.Force && m.device != nil && m.device.ID == deviceID {
		return m.device, nil
	}
	db, err := m.store()
	if err != nil {
		return nil, err
	}
	device, err := db.SelectDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, types.ErrDeviceNotFound) {
			return nil, types.ErrDeviceNotFound
		}
		return nil, m.fatal(err, "loading device")
	}
	m.device = device
	return device, nil
}

// SetDeviceInfo inserts or updates the device record, creating the
// (device, user) pair when missing. The supported class list is written
// once; later non-empty values are ignored by the store.
func (m *StateManager) SetDeviceInfo(ctx context.Context, row *tables.DeviceRow) error {
	db, err := m.store()
	if err != nil {
		return err
	}
	if err = db.SetDevice(ctx, row, m.user); err != nil {
		return m.fatal(err, "storing device")
	}
	m.device = nil // force a reload, the store arbitrates supported
	return nil
}

// SetDeviceProperties replaces the mutable properties blob of the
// currently loaded device.
func (m *StateManager) SetDeviceProperties(ctx context.Context, properties []byte) error {
	if m.device == nil {
		return &types.InvariantViolation{Reason: "setting properties without a loaded device"}
	}
	row := *m.device
	row.Properties = properties
	return m.SetDeviceInfo(ctx, &row)
}

// DeviceExists returns the number of records matching the device id,
// restricted to the user when non-empty. 0 means unknown device.
func (m *StateManager) DeviceExists(ctx context.Context, deviceID, user string) (int, error) {
	db, err := m.store()
	if err != nil {
		return 0, err
	}
	count, err := db.DeviceExists(ctx, deviceID, user)
	if err != nil {
		return 0, m.fatal(err, "counting devices")
	}
	return count, nil
}

// ListDevices returns the known (device, user) pairs, optionally
// restricted to one user and filtered by LIKE patterns on the closed set
// of filterable columns.
func (m *StateManager) ListDevices(ctx context.Context, user string, filters map[string]string) ([]tables.DeviceListEntry, error) {
	db, err := m.store()
	if err != nil {
		return nil, err
	}
	return db.ListDevices(ctx, user, filters)
}

// GetLastSyncTimestamp returns the wallclock of the most recent state
// save of this device and user.
func (m *StateManager) GetLastSyncTimestamp(ctx context.Context) (int64, error) {
	db, err := m.store()
	if err != nil {
		return 0, err
	}
	ts, err := db.LastSyncTimestamp(ctx, m.deviceID, m.user)
	if err != nil {
		return 0, m.fatal(err, "loading last sync timestamp")
	}
	return ts, nil
}

// SetPolicyKey stores the provisioning policy key for the current device
// and user. Calling it for any other device is a programming error.
func (m *StateManager) SetPolicyKey(ctx context.Context, deviceID string, policyKey int64) error {
	if deviceID != m.deviceID {
		return &types.InvariantViolation{Reason: "policy key update for a device that is not loaded"}
	}
	db, err := m.store()
	if err != nil {
		return err
	}
	if err = db.SetPolicyKey(ctx, deviceID, m.user, policyKey); err != nil {
		return m.fatal(err, "storing policy key")
	}
	return nil
}

// GetPolicyKey returns the policy key of the current device and user;
// 0 means "not provisioned".
func (m *StateManager) GetPolicyKey(ctx context.Context) (int64, error) {
	db, err := m.store()
	if err != nil {
		return 0, err
	}
	return db.PolicyKey(ctx, m.deviceID, m.user)
}

// ResetAllPolicyKeys zeroes every policy key of every device, forcing a
// global reprovision.
func (m *StateManager) ResetAllPolicyKeys(ctx context.Context) error {
	db, err := m.store()
	if err != nil {
		return err
	}
	if err = db.ResetAllPolicyKeys(ctx); err != nil {
		return m.fatal(err, "resetting policy keys")
	}
	return nil
}

// SetDeviceRWStatus updates the remote wipe status. Arming a wipe also
// zeroes the device's policy keys so every user is forced back through
// Provision.
func (m *StateManager) SetDeviceRWStatus(ctx context.Context, deviceID string, status types.RWStatus) error {
	db, err := m.store()
	if err != nil {
		return err
	}
	if err = db.SetDeviceRWStatus(ctx, deviceID, status); err != nil {
		return m.fatal(err, "updating rwstatus")
	}
	if m.device != nil && m.device.ID == deviceID {
		m.device = nil
	}
	return nil
}

// RemoveState drops stored state in the mode selected by opts; see the
// storage documentation for the mode table and the wipe escalation rule.
func (m *StateManager) RemoveState(ctx context.Context, opts shared.RemoveStateOptions) error {
	db, err := m.store()
	if err != nil {
		return err
	}
	if err = db.RemoveState(ctx, opts); err != nil {
		return m.fatal(err, "removing state")
	}
	if m.device != nil && m.device.ID == opts.DeviceID {
		m.device = nil
	}
	return nil
}
