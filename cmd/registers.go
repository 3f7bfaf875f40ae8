// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/harpstat/pkg/harp"
	"github.com/Thermoquad/harpstat/pkg/whiterabbit"
)

var registersVerbose bool

var registersCmd = &cobra.Command{
	Use:   "registers",
	Short: "List the registers known to harpstat",
	Long: `Print the common Harp registers and the WhiteRabbit register map
embedded in harpstat. Does not connect to a device.`,
	Args: cobra.NoArgs,
	RunE: runRegisters,
}

func init() {
	rootCmd.AddCommand(registersCmd)
	registersCmd.Flags().BoolVarP(&registersVerbose, "verbose", "v", false, "Show descriptions and named values")
}

func runRegisters(cmd *cobra.Command, args []string) error {
	meta, err := whiterabbit.Metadata()
	if err != nil {
		return err
	}

	fmt.Printf("%s (WhoAmI %d, firmware %s)\n", meta.Device, meta.WhoAmI, meta.FirmwareVersion)
	if meta.HardwareTargets != "" {
		fmt.Printf("Hardware targets: %s\n", meta.HardwareTargets)
	}
	fmt.Println()

	fmt.Printf("%-5s %-22s %-6s %-4s %-7s %s\n", "Addr", "Name", "Type", "Acc", "Kind", "Range")
	for _, d := range whiterabbit.Catalog().Descriptors() {
		typ := d.Type.String()
		if d.Length > 1 {
			typ = fmt.Sprintf("%s[%d]", typ, d.Length)
		}
		rng := ""
		if d.Range != nil {
			rng = fmt.Sprintf("[%d, %d]", d.Range.Min, d.Range.Max)
		}
		fmt.Printf("%-5d %-22s %-6s %-4s %-7s %s\n", d.Address, d.Name, typ, d.Access, d.Kind, rng)

		if registersVerbose {
			printRegisterDetails(d)
		}
	}
	return nil
}

func printRegisterDetails(d harp.Descriptor) {
	if d.Description != "" {
		fmt.Printf("      %s\n", d.Description)
	}
	if len(d.Members) == 0 {
		return
	}
	values := make([]uint64, 0, len(d.Members))
	for v := range d.Members {
		values = append(values, v)
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	for _, v := range values {
		if d.Kind == harp.KindFlags {
			fmt.Printf("      0x%0*X %s\n", d.Type.Size()*2, v, d.Members[v])
		} else {
			fmt.Printf("      %-4d %s\n", v, d.Members[v])
		}
	}
}
