// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/harpstat/pkg/harp"
)

var readTimestamped bool

var readCmd = &cobra.Command{
	Use:   "read <register>...",
	Short: "Read registers by name or address",
	Long: `Read one or more registers and print their decoded values.

Registers are given by name (case insensitive) or address, for example:
  harpstat read Counter AuxPortMode
  harpstat read 32`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRead,
}

func init() {
	rootCmd.AddCommand(readCmd)
	readCmd.Flags().BoolVar(&readTimestamped, "timestamped", false, "Print the device timestamp of each reply")
}

func runRead(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	d, _, err := OpenDevice(ctx, nil)
	if err != nil {
		return exitf(2, "connection error: %w", err)
	}
	defer d.Close()

	catalog := d.Catalog()
	for _, arg := range args {
		desc, err := lookupRegister(catalog, arg)
		if err != nil {
			return err
		}
		reply, err := d.Command(ctx, harp.NewReadRequest(desc.Address, desc.Type))
		if err != nil {
			return fmt.Errorf("read %s: %w", desc.Name, err)
		}

		line := fmt.Sprintf("%-22s %s", desc.Name, harp.FormatValue(desc, reply))
		if readTimestamped && reply.HasTimestamp {
			line += "  @ " + harp.FormatSeconds(reply.Seconds)
		}
		fmt.Println(line)
	}
	return nil
}
