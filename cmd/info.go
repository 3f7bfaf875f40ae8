// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/harpstat/pkg/harp"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show device identification and WhiteRabbit settings",
	Long: `Connect to a WhiteRabbit device and print its identification registers
followed by the current value of every device specific register.`,
	RunE: runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	d, connInfo, err := OpenDevice(ctx, nil)
	if err != nil {
		return exitf(2, "connection error: %w", err)
	}
	defer d.Close()

	info, err := d.ReadInfo(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Connection:       %s\n", connInfo)
	fmt.Printf("Device:           %s (WhoAmI %d)\n", info.Name, info.WhoAmI)
	fmt.Printf("Serial number:    %d\n", info.SerialNumber)
	fmt.Printf("Hardware version: %s (assembly %d)\n", info.HardwareVersion, info.AssemblyVersion)
	fmt.Printf("Core version:     %s\n", info.CoreVersion)
	fmt.Printf("Firmware version: %s\n", info.FirmwareVersion)

	seconds, err := harp.Read(ctx, d.Device, harp.TimestampSeconds)
	if err != nil {
		return err
	}
	fmt.Printf("Device clock:     %s\n\n", harp.FormatUptime(float64(seconds)))

	connected, err := d.ReadConnectedDevices(ctx)
	if err != nil {
		return err
	}
	counter, err := d.ReadCounter(ctx)
	if err != nil {
		return err
	}
	hz, err := d.ReadCounterFrequencyHz(ctx)
	if err != nil {
		return err
	}
	mode, err := d.ReadAuxPortMode(ctx)
	if err != nil {
		return err
	}
	baud, err := d.ReadAuxPortBaudRate(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Connected devices: %s\n", connected)
	fmt.Printf("Counter:           %d\n", counter)
	if hz == 0 {
		fmt.Printf("Counter frequency: disabled\n")
	} else {
		fmt.Printf("Counter frequency: %d Hz\n", hz)
	}
	fmt.Printf("Aux port mode:     %s\n", mode)
	fmt.Printf("Aux port baud:     %d\n", baud)
	return nil
}
