// Copyright 2026 Wardsync Authors
// SPDX-License-Identifier: Apache-2.0

// wardsync is the command-line entry point for the wardsync offline-first
// record synchronization toolkit: it runs the reference backend and drives
// the client-side sync engine for a local data directory.
package main

func main() {
	Execute()
}
