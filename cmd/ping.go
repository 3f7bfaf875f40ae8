// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/harpstat/pkg/harp"
)

var (
	pingCount    int
	pingInterval time.Duration
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Measure command round trips with WhoAmI reads",
	Long: `Read the WhoAmI register repeatedly and report the round trip time of each
command along with the device clock.

Works with any Harp device; the identity is not checked. Each ping waits at
most --timeout for its reply.

This is useful for verifying:
  - The transport is established in both directions
  - HTTP Basic authentication works (WebSocket)
  - The device answers commands in time

Exit codes:
  0 - All pings successful
  1 - One or more pings failed/timed out
  2 - Connection error`,
	RunE: runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
	pingCmd.Flags().IntVar(&pingCount, "count", 3, "Number of pings to send")
	pingCmd.Flags().DurationVar(&pingInterval, "interval", 100*time.Millisecond, "Delay between pings")
}

func runPing(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		return exitf(2, "connection error: %w", err)
	}

	ctx := cmd.Context()
	hctx, cancel := context.WithTimeout(ctx, cfg.Connection.Timeout.Duration)
	d, err := harp.Connect(hctx, conn, sessionOptions(connInfo, nil)...)
	cancel()
	if err != nil {
		return exitf(2, "connection error: %w", err)
	}
	defer d.Close()

	fmt.Printf("Harpstat - Ping Test\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Device: WhoAmI %d\n", d.WhoAmI())
	fmt.Printf("Timeout: %v per ping\n", cfg.Connection.Timeout.Duration)
	fmt.Printf("Count: %d pings\n\n", pingCount)

	successCount := 0
	var total time.Duration

	for i := 1; i <= pingCount; i++ {
		fmt.Printf("Ping %d/%d: ", i, pingCount)

		pctx, cancel := context.WithTimeout(ctx, cfg.Connection.Timeout.Duration)
		start := time.Now()
		reply, err := d.Command(pctx, harp.WhoAmI.ReadRequest())
		rtt := time.Since(start)
		cancel()

		if err != nil {
			fmt.Printf("FAILED: %v\n", err)
		} else {
			uptime := "unknown"
			if reply.HasTimestamp {
				uptime = harp.FormatUptime(reply.Seconds)
			}
			fmt.Printf("reply from device %d, clock=%s, rtt=%v\n", d.WhoAmI(), uptime, rtt.Round(time.Microsecond))
			successCount++
			total += rtt
		}

		// Small delay between pings
		if i < pingCount {
			time.Sleep(pingInterval)
		}
	}

	// Summary
	failCount := pingCount - successCount
	fmt.Printf("\n--- Ping statistics ---\n")
	fmt.Printf("%d pings sent, %d replies received, %.0f%% loss\n",
		pingCount, successCount, float64(failCount)/float64(pingCount)*100)
	if successCount > 0 {
		fmt.Printf("average rtt %v\n", (total / time.Duration(successCount)).Round(time.Microsecond))
	}

	if failCount > 0 {
		return exitf(1, "%d of %d pings failed", failCount, pingCount)
	}
	return nil
}
