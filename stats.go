// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package tilestore

import (
	"expvar"
	"time"
)

func init() {
	NopStatsClient = &nopStatsClient{}
}

// Expvar global expvar map.
var Expvar = expvar.NewMap("tilestore")

// StatsClient represents a client to a stats server. The engine emits cache
// hit/miss/eviction counts and fragment and consolidation counts through
// it; it reports no byte volumes.
type StatsClient interface {
	// Tracks the number of times something occurs.
	Count(name string, value int64)

	// Sets the value of a metric.
	Gauge(name string, value float64)

	// Tracks timing information for a metric.
	Timing(name string, value time.Duration)
}

// NopStatsClient represents a no-op implementation of StatsClient.
var NopStatsClient StatsClient

type nopStatsClient struct{}

func (c *nopStatsClient) Count(name string, value int64)          {}
func (c *nopStatsClient) Gauge(name string, value float64)        {}
func (c *nopStatsClient) Timing(name string, value time.Duration) {}

// expvarStatsClient writes stats out to expvars.
type expvarStatsClient struct {
	m *expvar.Map
}

// NewExpvarStatsClient returns a new instance of ExpvarStatsClient.
// This client points at the root of the expvar index map.
func NewExpvarStatsClient() StatsClient {
	return &expvarStatsClient{m: Expvar}
}

func (c *expvarStatsClient) Count(name string, value int64) {
	c.m.Add(name, value)
}

func (c *expvarStatsClient) Gauge(name string, value float64) {
	f := &expvar.Float{}
	f.Set(value)
	c.m.Set(name, f)
}

func (c *expvarStatsClient) Timing(name string, value time.Duration) {
	c.m.Add(name, int64(value))
}
