// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/harpstat/pkg/harp"
	"github.com/Thermoquad/harpstat/pkg/whiterabbit"
)

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Display raw frame log in human-readable format",
	Long: `Continuously decode and display Harp frames as they arrive.

Each frame is shown with its local receive time, message type, register name
and decoded payload. Frames that fail to decode are reported inline.

This command only listens; it never writes to the device. Combine with
--capture to record the frames to a file for later replay.`,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
}

func runRawLog(cmd *cobra.Command, args []string) error {
	// Open connection (serial or WebSocket)
	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Printf("Harpstat - Raw Frame Log\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	catalog := whiterabbit.Catalog()
	decoder := harp.NewDecoder().WithCatalog(catalog)
	buf := make([]byte, 256)

	for {
		n, err := conn.Read(buf)
		for i := 0; i < n; i++ {
			m, err := decoder.DecodeByte(buf[i])
			if err != nil {
				fmt.Printf("[ERROR] %v\n", err)
				continue
			}
			if m != nil {
				fmt.Print(harp.FormatMessage(m, catalog))
			}
		}
		if err != nil {
			// A read error usually means the connection is permanently
			// closed, so exit gracefully
			if errors.Is(err, io.EOF) || errors.Is(err, ErrConnectionClosed) {
				logger.Info().Msg("Connection closed")
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
	}
}
