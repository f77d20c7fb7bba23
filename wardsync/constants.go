// Copyright 2026 Wardsync Authors
// SPDX-License-Identifier: Apache-2.0

package wardsync

// Operation constants for sync records. Create and update are both applied
// as upserts; the distinction is kept on the wire for auditing.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// HeaderDeviceID carries the originating installation id on every sync call.
const HeaderDeviceID = "X-Device-ID"

// ValidOp reports whether op is one of the known operations.
func ValidOp(op string) bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	default:
		return false
	}
}
