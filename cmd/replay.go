// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/harpstat/internal/capture"
	"github.com/Thermoquad/harpstat/pkg/harp"
	"github.com/Thermoquad/harpstat/pkg/whiterabbit"
)

var (
	replayDirection string
	replayRegister  string
	replaySession   string
	replayStats     bool
)

var replayCmd = &cobra.Command{
	Use:   "replay <file>",
	Short: "Print the frames of a capture file",
	Long: `Decode and print a capture file recorded with --capture.

Frames are printed in the order they were observed, with their direction
(IN from the device, OUT to the device). Use --direction, --register and
--session to narrow the output, and --stats for a statistics summary of the
inbound frames.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().StringVar(&replayDirection, "direction", "", "Only show frames in this direction (in or out)")
	replayCmd.Flags().StringVar(&replayRegister, "register", "", "Only show frames for this register (name or address)")
	replayCmd.Flags().StringVar(&replaySession, "session", "", "Only show frames of this session")
	replayCmd.Flags().BoolVar(&replayStats, "stats", false, "Print a statistics summary at the end")
}

func replayFilter(catalog *harp.Catalog) (capture.Filter, error) {
	var f capture.Filter
	switch strings.ToLower(replayDirection) {
	case "":
	case "in":
		dir := capture.DirectionIn
		f.Direction = &dir
	case "out":
		dir := capture.DirectionOut
		f.Direction = &dir
	default:
		return f, fmt.Errorf("invalid direction %q (expected in or out)", replayDirection)
	}
	if replayRegister != "" {
		desc, err := lookupRegister(catalog, replayRegister)
		if err != nil {
			return f, err
		}
		f.Address = &desc.Address
	}
	f.Session = replaySession
	return f, nil
}

func runReplay(cmd *cobra.Command, args []string) error {
	catalog := whiterabbit.Catalog()
	filter, err := replayFilter(catalog)
	if err != nil {
		return err
	}

	r, err := capture.Open(args[0], filter)
	if err != nil {
		return err
	}
	defer r.Close()

	stats := harp.NewStatistics()
	count := 0
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		count++

		prefix := fmt.Sprintf("%s %-3s", rec.Timestamp.Format("2006-01-02 15:04:05.000"), rec.Direction)
		if rec.Session != "" && replaySession == "" {
			prefix += " [" + rec.Session + "]"
		}

		if rec.Error != "" {
			fmt.Printf("%s \033[1;31mDECODE ERROR:\033[0m %s\n", prefix, rec.Error)
			if rec.Direction == capture.DirectionIn {
				stats.Update(nil, errors.New(rec.Error), nil)
			}
			continue
		}

		m, err := rec.Message(catalog)
		if err != nil {
			fmt.Printf("%s \033[1;31mDECODE ERROR:\033[0m %v (%x)\n", prefix, err, rec.Frame)
			if rec.Direction == capture.DirectionIn {
				stats.Update(nil, err, nil)
			}
			continue
		}
		m.ReceivedAt = rec.Timestamp
		fmt.Printf("%s %s", prefix, harp.FormatMessage(m, catalog))
		if rec.Direction == capture.DirectionIn {
			stats.Update(m, nil, harp.ValidateMessage(m, catalog))
		}
	}

	fmt.Printf("\n%d records\n", count)
	if replayStats {
		fmt.Print(stats.String())
	}
	return nil
}
