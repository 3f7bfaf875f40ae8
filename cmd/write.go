// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/harpstat/pkg/harp"
)

var writeCmd = &cobra.Command{
	Use:   "write <register> <value>",
	Short: "Write a register by name or address",
	Long: `Write a value to a register and print the value echoed by the device.

Values are checked against the register range before they are sent. Enum
registers accept member names and flag registers accept names joined by "|":
  harpstat write AuxPortMode PPS
  harpstat write CounterFrequencyHz 100
  harpstat write OperationControl "ActiveMode|VisualIndicators"`,
	Args: cobra.ExactArgs(2),
	RunE: runWrite,
}

func init() {
	rootCmd.AddCommand(writeCmd)
}

func runWrite(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	d, _, err := OpenDevice(ctx, nil)
	if err != nil {
		return exitf(2, "connection error: %w", err)
	}
	defer d.Close()

	desc, err := lookupRegister(d.Catalog(), args[0])
	if err != nil {
		return err
	}
	if !desc.Access.Has(harp.AccessWrite) {
		return fmt.Errorf("register %s is read only", desc.Name)
	}
	payload, err := parseValue(desc, args[1])
	if err != nil {
		return err
	}

	reply, err := d.Command(ctx, harp.NewMessage(harp.MessageWrite, desc.Address, desc.Type, payload))
	if reply != nil {
		fmt.Printf("%-22s %s\n", desc.Name, harp.FormatValue(desc, reply))
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", desc.Name, err)
	}
	return nil
}
