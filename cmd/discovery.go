// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.bug.st/serial/enumerator"

	"github.com/Thermoquad/harpstat/pkg/harp"
	"github.com/Thermoquad/harpstat/pkg/whiterabbit"
)

var (
	discoveryTimeout time.Duration
	discoveryUSBOnly bool
)

var discoveryCmd = &cobra.Command{
	Use:   "discovery [port...]",
	Short: "Find Harp devices on the local serial ports",
	Long: `Probe serial ports for Harp devices.

Each port is opened at --baud and sent a WhoAmI read. Ports that answer are
listed with their identity, serial number and device name. Without arguments
every serial port of the host is probed.

Examples:
  # Probe all USB serial adapters
  harpstat discovery --usb

  # Probe two specific ports
  harpstat discovery /dev/ttyUSB0 /dev/ttyUSB1

Exit codes:
  0 - Discovery successful (at least one device found)
  1 - Discovery failed (no devices answered)
  2 - Port enumeration error`,
	RunE: runDiscovery,
}

func init() {
	rootCmd.AddCommand(discoveryCmd)
	discoveryCmd.Flags().DurationVar(&discoveryTimeout, "probe-timeout", 500*time.Millisecond, "Time to wait for each port to answer")
	discoveryCmd.Flags().BoolVar(&discoveryUSBOnly, "usb", false, "Only probe USB serial ports")
}

type discoveredPort struct {
	name    string
	usb     string
	device  uint16
	serial  uint16
	devName string
}

func runDiscovery(cmd *cobra.Command, args []string) error {
	ports := args
	details := make(map[string]string)
	if len(ports) == 0 {
		list, err := enumerator.GetDetailedPortsList()
		if err != nil {
			return exitf(2, "enumerate serial ports: %w", err)
		}
		for _, p := range list {
			if discoveryUSBOnly && !p.IsUSB {
				continue
			}
			ports = append(ports, p.Name)
			if p.IsUSB {
				details[p.Name] = fmt.Sprintf("USB %s:%s %s", p.VID, p.PID, p.SerialNumber)
			}
		}
	}

	fmt.Printf("Harpstat - Device Discovery\n")
	fmt.Printf("Baud: %d\n", cfg.Connection.Baud)
	fmt.Printf("Timeout: %v per port\n\n", discoveryTimeout)

	if len(ports) == 0 {
		fmt.Printf("No serial ports found.\n")
		return exitf(1, "no serial ports")
	}

	found := make([]discoveredPort, 0)
	for _, name := range ports {
		fmt.Printf("Probing %s... ", name)
		d, err := probePort(cmd.Context(), name)
		if err != nil {
			fmt.Printf("no answer (%v)\n", err)
			continue
		}
		d.usb = details[name]
		found = append(found, d)

		kind := fmt.Sprintf("WhoAmI %d", d.device)
		if d.device == whiterabbit.WhoAmI {
			kind = "WhiteRabbit"
		}
		fmt.Printf("%s, serial %d, name %q\n", kind, d.serial, d.devName)
		if d.usb != "" {
			fmt.Printf("  %s\n", d.usb)
		}
	}

	fmt.Printf("\n--- Discovery summary ---\n")
	fmt.Printf("Ports probed: %d\n", len(ports))
	fmt.Printf("Devices found: %d\n", len(found))

	if len(found) == 0 {
		fmt.Printf("No devices discovered. Check the baud rate and device power.\n")
		return exitf(1, "no devices found")
	}
	return nil
}

// probePort opens name and reads the identification registers of whatever
// Harp device answers.
func probePort(ctx context.Context, name string) (discoveredPort, error) {
	conn, err := OpenSerialConnection(name, cfg.Connection.Baud)
	if err != nil {
		return discoveredPort{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	d, err := harp.Connect(ctx, conn, sessionOptions(name, nil)...)
	if err != nil {
		return discoveredPort{}, err
	}
	defer d.Close()

	result := discoveredPort{name: name, device: d.WhoAmI()}
	if result.serial, err = harp.Read(ctx, d, harp.SerialNumber); err != nil {
		return discoveredPort{}, err
	}
	rawName, err := harp.Read(ctx, d, harp.DeviceName)
	if err != nil {
		return discoveredPort{}, err
	}
	result.devName = harp.DecodeString(rawName)
	return result, nil
}
