// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// Harpstat - Harp Protocol Analyzer
//
// A CLI tool for monitoring, decoding and controlling Harp devices
// over serial or WebSocket connections.

package main

import (
	"os"

	"github.com/Thermoquad/harpstat/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(cmd.ExitCode(err))
	}
}
