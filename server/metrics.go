// Copyright 2023 The Rift Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"time"

	"github.com/uber-go/tally/v4"
	"go.uber.org/zap"
)

type Metrics interface {
	Stop(logger *zap.Logger)

	ApiRpc(id string, elapsed time.Duration, recvBytes, sentBytes int64, isErr bool)
	ApiBefore(name string, elapsed time.Duration, isErr bool)
	ApiAfter(name string, elapsed time.Duration, isErr bool)
	Message(recvBytes int64, isErr bool)
	MessageBytesSent(sentBytes int64)

	GaugeAuthoritativeMatches(value float64)
	GaugeSessions(value float64)
	GaugePresences(value float64)
	CountDroppedEvents(delta int64)
	Matchmaker(tickets, activeTickets float64, processTime time.Duration)
	PresenceEvent(dequeueElapsed, processElapsed time.Duration)

	CustomCounter(name string, tags map[string]string, delta int64)
	CustomGauge(name string, tags map[string]string, value float64)
	CustomTimer(name string, tags map[string]string, value time.Duration)
}

// LocalMetrics emits metrics through a tally root scope. With no reporter
// configured the scope still aggregates, which keeps call sites uniform.
type LocalMetrics struct {
	logger *zap.Logger
	node   string

	scope tally.Scope
	stop  func() error
}

func NewLocalMetrics(logger *zap.Logger, config Config) *LocalMetrics {
	opts := tally.ScopeOptions{
		Prefix:    config.GetMetrics().Prefix,
		Tags:      map[string]string{"node_name": config.GetName()},
		Separator: "_",
	}
	if config.GetMetrics().Namespace != "" {
		opts.Tags["namespace"] = config.GetMetrics().Namespace
	}

	scope, closer := tally.NewRootScope(opts, time.Duration(config.GetMetrics().ReportingFreqSec)*time.Second)

	return &LocalMetrics{
		logger: logger,
		node:   config.GetName(),
		scope:  scope,
		stop:   closer.Close,
	}
}

func (m *LocalMetrics) Stop(logger *zap.Logger) {
	if err := m.stop(); err != nil {
		logger.Error("Error stopping metrics scope", zap.Error(err))
	}
}

func (m *LocalMetrics) ApiRpc(id string, elapsed time.Duration, recvBytes, sentBytes int64, isErr bool) {
	tags := map[string]string{"rpc_id": id}
	m.scope.Tagged(tags).Counter("overall_count").Inc(1)
	m.scope.Tagged(tags).Counter("overall_request_count").Inc(recvBytes)
	m.scope.Tagged(tags).Counter("overall_response_count").Inc(sentBytes)
	m.scope.Tagged(tags).Timer("overall_latency_ms").Record(elapsed)
	if isErr {
		m.scope.Tagged(tags).Counter("overall_error_count").Inc(1)
	}
}

func (m *LocalMetrics) ApiBefore(name string, elapsed time.Duration, isErr bool) {
	name = "before_" + name
	m.scope.Counter(name + "_count").Inc(1)
	m.scope.Timer(name + "_latency_ms").Record(elapsed)
	if isErr {
		m.scope.Counter(name + "_error_count").Inc(1)
	}
}

func (m *LocalMetrics) ApiAfter(name string, elapsed time.Duration, isErr bool) {
	name = "after_" + name
	m.scope.Counter(name + "_count").Inc(1)
	m.scope.Timer(name + "_latency_ms").Record(elapsed)
	if isErr {
		m.scope.Counter(name + "_error_count").Inc(1)
	}
}

func (m *LocalMetrics) Message(recvBytes int64, isErr bool) {
	m.scope.Counter("message_count").Inc(1)
	m.scope.Counter("message_bytes_received").Inc(recvBytes)
	if isErr {
		m.scope.Counter("message_error_count").Inc(1)
	}
}

func (m *LocalMetrics) MessageBytesSent(sentBytes int64) {
	m.scope.Counter("message_bytes_sent").Inc(sentBytes)
}

func (m *LocalMetrics) GaugeAuthoritativeMatches(value float64) {
	m.scope.Gauge("authoritative_match_count").Update(value)
}

func (m *LocalMetrics) GaugeSessions(value float64) {
	m.scope.Gauge("session_count").Update(value)
}

func (m *LocalMetrics) GaugePresences(value float64) {
	m.scope.Gauge("presence_count").Update(value)
}

func (m *LocalMetrics) CountDroppedEvents(delta int64) {
	m.scope.Counter("dropped_events").Inc(delta)
}

func (m *LocalMetrics) Matchmaker(tickets, activeTickets float64, processTime time.Duration) {
	m.scope.Gauge("matchmaker_tickets").Update(tickets)
	m.scope.Gauge("matchmaker_active_tickets").Update(activeTickets)
	m.scope.Timer("matchmaker_process_time_ms").Record(processTime)
}

func (m *LocalMetrics) PresenceEvent(dequeueElapsed, processElapsed time.Duration) {
	m.scope.Timer("presence_event_dequeue_latency_ms").Record(dequeueElapsed)
	m.scope.Timer("presence_event_process_latency_ms").Record(processElapsed)
}

func (m *LocalMetrics) CustomCounter(name string, tags map[string]string, delta int64) {
	m.scope.Tagged(tags).Counter(name).Inc(delta)
}

func (m *LocalMetrics) CustomGauge(name string, tags map[string]string, value float64) {
	m.scope.Tagged(tags).Gauge(name).Update(value)
}

func (m *LocalMetrics) CustomTimer(name string, tags map[string]string, value time.Duration) {
	m.scope.Tagged(tags).Timer(name).Record(value)
}
