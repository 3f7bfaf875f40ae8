// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/harpstat/pkg/harp"
)

var wsTestCmd = &cobra.Command{
	Use:   "ws_test",
	Short: "Test raw connection stability",
	Long: `Hold a connection open without sending anything and log whatever arrives.

Received bytes are run through the frame decoder, so the summary reports
decoded frames and decode errors as well as byte counts. Useful for debugging
WebSocket bridges that drop idle connections.

Exit codes:
  0 - Test completed normally
  1 - Test failed
  2 - Connection error`,
	RunE: runWsTest,
}

var wsTestDuration time.Duration

func init() {
	rootCmd.AddCommand(wsTestCmd)
	wsTestCmd.Flags().DurationVar(&wsTestDuration, "duration", 30*time.Second, "Test duration")
}

func runWsTest(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		return exitf(2, "connection error: %w", err)
	}
	defer conn.Close()

	fmt.Printf("Connection Stability Test\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Duration: %v\n\n", wsTestDuration)

	// Start a goroutine to read from the connection
	readChan := make(chan []byte, 100)
	errChan := make(chan error, 1)

	go func() {
		buf := make([]byte, 256)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				readChan <- data
			}
			if err != nil {
				errChan <- err
				return
			}
		}
	}()

	start := time.Now()
	deadline := time.After(wsTestDuration)
	heartbeat := time.NewTicker(time.Second)
	defer heartbeat.Stop()

	decoder := harp.NewDecoder()
	bytesReceived := 0
	framesReceived := 0
	decodeErrors := 0

	results := func(result string) {
		fmt.Printf("\n--- Test Results ---\n")
		fmt.Printf("Duration: %v\n", time.Since(start).Round(time.Millisecond))
		fmt.Printf("Bytes received: %d\n", bytesReceived)
		fmt.Printf("Frames decoded: %d\n", framesReceived)
		fmt.Printf("Decode errors: %d\n", decodeErrors)
		fmt.Printf("Result: %s\n", result)
	}

	fmt.Printf("Listening for data...\n\n")

	for {
		select {
		case data := <-readChan:
			bytesReceived += len(data)
			fmt.Printf("[%s] Received %d bytes: %x\n",
				time.Now().Format("15:04:05.000"), len(data), data)
			msgs, errs := decoder.DecodeBytes(data)
			framesReceived += len(msgs)
			decodeErrors += len(errs)

		case err := <-errChan:
			fmt.Printf("\n[%s] Connection error: %v\n",
				time.Now().Format("15:04:05.000"), err)
			results("FAILED (connection error)")
			return exitf(1, "connection lost after %v: %w", time.Since(start).Round(time.Millisecond), err)

		case <-heartbeat.C:
			remaining := wsTestDuration - time.Since(start)
			fmt.Printf("[%s] Still connected... (%.0fs remaining)\n",
				time.Now().Format("15:04:05.000"), remaining.Seconds())

		case <-cmd.Context().Done():
			results("INTERRUPTED")
			return nil

		case <-deadline:
			results("PASSED (connection stable)")
			return nil
		}
	}
}
