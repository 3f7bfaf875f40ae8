// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/harpstat/pkg/harp"
	"github.com/Thermoquad/harpstat/pkg/whiterabbit"
	"github.com/Thermoquad/harpstat/pkg/whiterabbit/sim"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, mf := range families {
		out[mf.GetName()] = mf
	}
	return out
}

func counterValue(t *testing.T, mf *dto.MetricFamily, label, value string) float64 {
	t.Helper()
	require.NotNil(t, mf)
	for _, m := range mf.Metric {
		for _, lp := range m.Label {
			if lp.GetName() == label && lp.GetValue() == value {
				return m.Counter.GetValue()
			}
		}
	}
	t.Fatalf("no sample with %s=%q in %s", label, value, mf.GetName())
	return 0
}

func TestPrometheusCollector_RegistersAndReuses(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewPrometheusCollector(reg)
	require.NoError(t, err)

	first.IncDecodeErrors("checksum")

	second, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	require.Same(t, first.decodeErrors, second.decodeErrors)

	second.IncDecodeErrors("checksum")
	second.IncDecodeErrors("truncated")

	families := gather(t, reg)
	mf := families["harp_decode_errors_total"]
	require.Equal(t, 2.0, counterValue(t, mf, "reason", "checksum"))
	require.Equal(t, 1.0, counterValue(t, mf, "reason", "truncated"))
}

func TestPrometheusCollector_ConflictingMetric(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "frames_received_total",
		Help:      "Number of decoded frames received from the device, by message type.",
	}))

	_, err := NewPrometheusCollector(reg)
	require.Error(t, err)
}

func TestPrometheusCollector_ObserveCommand(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewPrometheusCollector(reg)
	require.NoError(t, err)

	c.ObserveCommand("WRITE", "ok", 3*time.Millisecond)
	c.ObserveCommand("WRITE", "rejected", time.Millisecond)

	mf := gather(t, reg)["harp_command_duration_seconds"]
	require.NotNil(t, mf)
	require.Len(t, mf.Metric, 2)
	var total uint64
	for _, m := range mf.Metric {
		total += m.Histogram.GetSampleCount()
	}
	require.Equal(t, uint64(2), total)
}

func TestPrometheusCollector_NilSafe(t *testing.T) {
	var c *PrometheusCollector
	c.IncFramesReceived("READ")
	c.IncFramesSent("READ")
	c.IncDecodeErrors("checksum")
	c.ObserveCommand("READ", "ok", time.Millisecond)
}

func TestPrometheusCollector_Session(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewPrometheusCollector(reg)
	require.NoError(t, err)

	s, conn := sim.New()
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d, err := whiterabbit.Open(ctx, conn, harp.WithCollector(c))
	require.NoError(t, err)
	defer d.Close()

	_, err = d.ReadCounter(ctx)
	require.NoError(t, err)

	families := gather(t, reg)
	require.Equal(t, 2.0, counterValue(t, families["harp_frames_sent_total"], "type", harp.MessageRead.String()))
	require.Equal(t, 2.0, counterValue(t, families["harp_frames_received_total"], "type", harp.MessageRead.String()))
}
