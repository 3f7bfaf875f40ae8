// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/harpstat/internal/bridge"
)

var (
	bridgeBroker     string
	bridgeTopic      string
	bridgeEventsOnly bool
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Publish register frames to an MQTT broker",
	Long: `Forward every frame of a WhiteRabbit session to MQTT as JSON.

Each frame is published to <prefix>/<register name> with its decoded value,
the device timestamp and the local receive time. The retained topic
<prefix>/status holds "online" while the bridge runs and "offline" after it
stops or the broker loses the client.

The broker and credentials come from the [mqtt] section of the config file;
--broker and --topic-prefix override them.`,
	RunE: runBridge,
}

func init() {
	rootCmd.AddCommand(bridgeCmd)
	bridgeCmd.Flags().StringVar(&bridgeBroker, "broker", "", "MQTT broker URL (e.g. tcp://localhost:1883)")
	bridgeCmd.Flags().StringVar(&bridgeTopic, "topic-prefix", "", "Topic prefix")
	bridgeCmd.Flags().BoolVar(&bridgeEventsOnly, "events-only", true, "Publish events only, not command replies")
}

func runBridge(cmd *cobra.Command, args []string) error {
	mqttCfg := cfg.MQTT
	if bridgeBroker != "" {
		mqttCfg.Broker = bridgeBroker
	}
	if cmd.Flags().Changed("topic-prefix") {
		mqttCfg.TopicPrefix = bridgeTopic
	}
	if mqttCfg.Broker == "" {
		return fmt.Errorf("no MQTT broker configured (use --broker or [mqtt] broker)")
	}

	ctx := cmd.Context()
	d, connInfo, err := OpenDevice(ctx, nil)
	if err != nil {
		return exitf(2, "connection error: %w", err)
	}
	defer d.Close()

	statusTopic := bridge.StatusTopic(mqttCfg.TopicPrefix)
	opts := bridge.ClientOptions(mqttCfg, statusTopic, logger.With().Str("component", "mqtt").Logger())
	pub, err := bridge.Dial(opts, mqttCfg.Timeout.Duration)
	if err != nil {
		return exitf(2, "mqtt: %w", err)
	}
	defer pub.Close()

	b := bridge.New(pub, d.Catalog(), bridge.Options{
		TopicPrefix: mqttCfg.TopicPrefix,
		QoS:         mqttCfg.QoS,
		Retain:      mqttCfg.Retain,
		EventsOnly:  bridgeEventsOnly,
	}, logger.With().Str("component", "bridge").Logger())

	logger.Info().
		Str("device", connInfo).
		Str("broker", mqttCfg.Broker).
		Str("status_topic", b.StatusTopic()).
		Msg("Bridge running")

	err = b.Run(ctx, d.Subscribe(ctx))
	published, failed := b.Stats()
	logger.Info().Int("published", published).Int("failed", failed).Msg("Bridge stopped")
	return err
}
