// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package telemetry exports Harp session counters to Prometheus.
package telemetry

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Thermoquad/harpstat/pkg/harp"
)

const namespace = "harp"

// PrometheusCollector implements harp.Collector with Prometheus metrics.
type PrometheusCollector struct {
	framesReceived  *prometheus.CounterVec
	framesSent      *prometheus.CounterVec
	decodeErrors    *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
}

var _ harp.Collector = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers the session metrics with reg, or with the
// default registerer when reg is nil. Metrics that are already registered are
// reused, so several sessions may share one registry.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	received, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_received_total",
		Help:      "Number of decoded frames received from the device, by message type.",
	}, []string{"type"}))
	if err != nil {
		return nil, err
	}

	sent, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_sent_total",
		Help:      "Number of frames written to the device, by message type.",
	}, []string{"type"}))
	if err != nil {
		return nil, err
	}

	decodeErrors, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decode_errors_total",
		Help:      "Number of received frames rejected by the decoder, by reason.",
	}, []string{"reason"}))
	if err != nil {
		return nil, err
	}

	duration, err := register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "command_duration_seconds",
		Help:      "Command round trip time, by message type and outcome.",
		Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"type", "outcome"}))
	if err != nil {
		return nil, err
	}

	return &PrometheusCollector{
		framesReceived:  received,
		framesSent:      sent,
		decodeErrors:    decodeErrors,
		commandDuration: duration,
	}, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		var zero C
		return zero, err
	}
	return c, nil
}

// IncFramesReceived counts a decoded frame.
func (p *PrometheusCollector) IncFramesReceived(msgType string) {
	if p == nil {
		return
	}
	p.framesReceived.WithLabelValues(msgType).Inc()
}

// IncFramesSent counts a written frame.
func (p *PrometheusCollector) IncFramesSent(msgType string) {
	if p == nil {
		return
	}
	p.framesSent.WithLabelValues(msgType).Inc()
}

// IncDecodeErrors counts a rejected frame.
func (p *PrometheusCollector) IncDecodeErrors(reason string) {
	if p == nil {
		return
	}
	p.decodeErrors.WithLabelValues(reason).Inc()
}

// ObserveCommand records a command round trip.
func (p *PrometheusCollector) ObserveCommand(msgType, outcome string, d time.Duration) {
	if p == nil {
		return
	}
	p.commandDuration.WithLabelValues(msgType, outcome).Observe(d.Seconds())
}
