// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics records statistics of a single run. A run is short-lived
// and ends by replacing its own process, so the statistics are written once
// to a node-exporter textfile instead of being served.
//
// Every method of a nil *Recorder is a no-op.
package metrics

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "easy_qemu"

const (
	OutcomeExpanded = "expanded"
	OutcomeDeferred = "deferred"

	OutcomeCreated  = "created"
	OutcomeExisting = "existing"
)

var ErrWriteTextfile = errors.New("failed to write metrics textfile")

type Recorder struct {
	registry *prometheus.Registry

	passes    prometheus.Gauge
	macros    *prometheus.CounterVec
	resources *prometheus.CounterVec
	launches  *prometheus.CounterVec
}

// New returns a Recorder backed by its own registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		passes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "expansion_passes",
			Help:      "Number of passes the last expansion took to reach a fixed point",
		}),
		macros: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "macro_invocations_total",
			Help:      "Macro invocations by macro and outcome",
		}, []string{"macro", "outcome"}), // expanded or deferred
		resources: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resources_total",
			Help:      "Host resources handled by kind and outcome",
		}, []string{"kind", "outcome"}), // created or existing
		launches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "launches_total",
			Help:      "Hypervisor launches by VM id",
		}, []string{"id"}),
	}
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *Recorder) ObservePasses(n int) {
	if r == nil {
		return
	}
	r.passes.Set(float64(n))
}

func (r *Recorder) ObserveMacro(macro string, deferred bool) {
	if r == nil {
		return
	}
	outcome := OutcomeExpanded
	if deferred {
		outcome = OutcomeDeferred
	}
	r.macros.WithLabelValues(macro, outcome).Inc()
}

func (r *Recorder) ObserveResource(kind string, created bool) {
	if r == nil {
		return
	}
	outcome := OutcomeExisting
	if created {
		outcome = OutcomeCreated
	}
	r.resources.WithLabelValues(kind, outcome).Inc()
}

func (r *Recorder) ObserveLaunch(id string) {
	if r == nil {
		return
	}
	r.launches.WithLabelValues(id).Inc()
}

// WriteTextfile writes the gathered metrics to path in the text exposition
// format. An empty path is a no-op.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("%w %s: %w", ErrWriteTextfile, path, err)
	}
	return nil
}
