// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	// #nosec
	_ "net/http/pprof"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// guessrNamespace 是当前项目所有 Prometheus 指标使用的命名空间。
	guessrNamespace = "guessr"

	gatewaySubsystem = "gateway"

	// 以下为当前使用的通用标签名。
	stateLabelName     = "state"
	eventTypeLabelName = "event_type"
	reasonLabelName    = "reason"

	lockName = "lock_name"
	lockOp   = "lock_op"
)

var (
	// buckets 为请求耗时直方图的桶划分，单位为毫秒。
	// 实际桶分布为：
	// [1 2 4 8 16 32 64 128 256 512 1024 2048 4096 8192 16384 32768]
	buckets = prometheus.ExponentialBuckets(1, 2, 16)

	GatewayConnectedSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: guessrNamespace,
			Subsystem: gatewaySubsystem,
			Name:      "connected_sessions",
			Help:      "number of sessions holding a live transport",
		})

	GatewayDisconnectedSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: guessrNamespace,
			Subsystem: gatewaySubsystem,
			Name:      "disconnected_sessions",
			Help:      "number of sessions waiting for reconnection",
		})

	GatewayVerifyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: guessrNamespace,
			Subsystem: gatewaySubsystem,
			Name:      "verify_total",
			Help:      "verification outcomes by terminal state",
		}, []string{stateLabelName})

	GatewayVerifyLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: guessrNamespace,
			Subsystem: gatewaySubsystem,
			Name:      "verify_latency",
			Help:      "latency of verification in milliseconds",
			Buckets:   buckets,
		}, []string{stateLabelName})

	GatewayPushSendFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: guessrNamespace,
			Subsystem: gatewaySubsystem,
			Name:      "push_send_failures_total",
			Help:      "push events that could not be written to the transport",
		}, []string{eventTypeLabelName})

	GatewayPurgedSessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: guessrNamespace,
			Subsystem: gatewaySubsystem,
			Name:      "purged_sessions_total",
			Help:      "sessions dropped for good",
		}, []string{reasonLabelName})

	GatewayRejoinTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: guessrNamespace,
			Subsystem: gatewaySubsystem,
			Name:      "rejoin_total",
			Help:      "games rejoined after a reconnection merge",
		})

	LockCosts = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: guessrNamespace,
			Name:      "lock_time_cost",
			Help:      "time cost for various kinds of locks in milliseconds",
		}, []string{
			lockName,
			lockOp,
		})

	metricRegisterer prometheus.Registerer
)

// 清理原因标签值。
const (
	PurgeReasonGuest      = "guest"
	PurgeReasonUnverified = "unverified"
	PurgeReasonRejected   = "rejected"
	PurgeReasonExpired    = "expired"
)

// GetRegisterer 返回全局 Prometheus Registerer。
// 如果尚未通过 Register 显式设置，则返回 prometheus.DefaultRegisterer。
func GetRegisterer() prometheus.Registerer {
	if metricRegisterer == nil {
		return prometheus.DefaultRegisterer
	}
	return metricRegisterer
}

// Register 注册当前定义的所有指标。
// 通常在进程启动时调用一次。
func Register(r prometheus.Registerer) {
	r.MustRegister(GatewayConnectedSessions)
	r.MustRegister(GatewayDisconnectedSessions)
	r.MustRegister(GatewayVerifyTotal)
	r.MustRegister(GatewayVerifyLatency)
	r.MustRegister(GatewayPushSendFailures)
	r.MustRegister(GatewayPurgedSessions)
	r.MustRegister(GatewayRejoinTotal)
	r.MustRegister(LockCosts)
	metricRegisterer = r
}
