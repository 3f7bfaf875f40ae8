// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/harpstat/pkg/harp"
)

var (
	packetTestTimeout time.Duration
)

var packetTestCmd = &cobra.Command{
	Use:   "packet_test",
	Short: "Test connection by waiting for a valid Harp frame",
	Long: `Send a WhoAmI read request and wait for any valid Harp frame until timeout.

Invalid bytes are ignored while waiting for a complete frame with a correct
checksum. The device does not need to be a WhiteRabbit.

Exit codes:
  0 - Frame received before timeout
  1 - Timeout reached without receiving a valid frame
  2 - Connection error`,
	RunE: runPacketTest,
}

func init() {
	rootCmd.AddCommand(packetTestCmd)
	packetTestCmd.Flags().DurationVar(&packetTestTimeout, "wait", 10*time.Second, "How long to wait for a frame")
}

func runPacketTest(cmd *cobra.Command, args []string) error {
	// Open connection (serial or WebSocket)
	conn, connInfo, err := OpenConnection()
	if err != nil {
		return exitf(2, "connection error: %w", err)
	}
	defer conn.Close()

	fmt.Printf("Harpstat - Packet Test\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %v\n", packetTestTimeout)
	fmt.Printf("Waiting for valid Harp frame...\n\n")

	if _, err := conn.Write(harp.MustEncode(harp.WhoAmI.ReadRequest())); err != nil {
		return exitf(2, "write error: %w", err)
	}

	decoder := harp.NewDecoder()

	// Channel for frame reception
	frameChan := make(chan *harp.Message, 1)
	errChan := make(chan error, 1)

	// Reader goroutine
	go func() {
		buf := make([]byte, 256)
		invalid := 0
		for {
			n, err := conn.Read(buf)
			for i := 0; i < n; i++ {
				m, decodeErr := decoder.DecodeByte(buf[i])
				if decodeErr != nil {
					// Ignore decode errors, just count them
					invalid++
					continue
				}
				if m != nil {
					if invalid > 0 {
						fmt.Printf("(dropped %d invalid frames before sync)\n", invalid)
					}
					frameChan <- m
					return
				}
			}
			if err != nil {
				errChan <- err
				return
			}
		}
	}()

	// Wait for frame or timeout
	select {
	case m := <-frameChan:
		fmt.Printf("SUCCESS: Received valid frame\n")
		fmt.Printf("  Type: %s (0x%02X)\n", m.Type, uint8(m.Type))
		fmt.Printf("  Address: %d\n", m.Address)
		fmt.Printf("  Payload: %s, %d bytes\n", m.PayloadType, len(m.Payload))
		fmt.Printf("  Checksum: 0x%02X\n", m.Checksum)
		return nil

	case err := <-errChan:
		return exitf(2, "read error: %w", err)

	case <-time.After(packetTestTimeout):
		return exitf(1, "TIMEOUT: no valid frame received within %v", packetTestTimeout)
	}
}
