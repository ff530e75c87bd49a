// Copyright 2026 The Keystone Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "keystone"

var (
	metricRecoveriesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "recovery",
		Name:      "started_total",
		Help:      "Recoveries admitted to the active set",
	})

	metricRecoveriesCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "recovery",
		Name:      "completed_total",
		Help:      "Recoveries that ran to completion",
	}, []string{"outcome"}) // success/failure

	metricRecoveriesBlocked = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "recovery",
		Name:      "blocked_total",
		Help:      "Admissions delayed because the crashed server was already being recovered",
	})

	metricRecoveryMastersFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "recovery",
		Name:      "masters_finished_total",
		Help:      "Per-partition completion reports from recovery masters",
	}, []string{"status"}) // success/failure

	metricActiveRecoveries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "recovery",
		Name:      "active",
		Help:      "Recoveries currently in progress",
	})

	metricWaitingRecoveries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "recovery",
		Name:      "waiting",
		Help:      "Recoveries waiting for admission",
	})
)
