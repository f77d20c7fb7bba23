// Copyright 2026 Wardsync Authors
// SPDX-License-Identifier: Apache-2.0

package wardsqlite

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const deviceIDFile = "device_id"

// EnsureDeviceID returns the stable identifier of this installation,
// generating and persisting one on first use. The id lives in a plain file
// in dir, deliberately outside the queue database, so identity survives a
// queue-store rebuild.
//
// This never fails: if the file cannot be read or written, a fresh id is
// returned for this session only and the caller is none the wiser beyond a
// log warning.
func EnsureDeviceID(dir string, logger *slog.Logger) string {
	if logger == nil {
		logger = slog.Default()
	}
	path := filepath.Join(dir, deviceIDFile)

	if raw, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(raw)); id != "" {
			return id
		}
	}

	id := newDeviceID()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Warn("cannot create data directory, device id will not survive restarts",
			"dir", dir, "error", err)
		return id
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		logger.Warn("cannot persist device id, it will change next session",
			"path", path, "error", err)
	}
	return id
}

// newDeviceID builds a time-based id with a random suffix. Uniqueness is not
// cryptographic; collision probability is negligible for a device fleet.
func newDeviceID() string {
	var buf [4]byte
	suffix := ""
	if _, err := rand.Read(buf[:]); err == nil {
		suffix = hex.EncodeToString(buf[:])
	} else {
		suffix = fmt.Sprintf("%08x", time.Now().UnixNano()&0xffffffff)
	}
	return fmt.Sprintf("dev-%d-%s", time.Now().UnixMilli(), suffix)
}
