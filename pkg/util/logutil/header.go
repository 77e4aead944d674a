package logutil

import (
	"context"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lk2023060901/guessr-gateway/pkg/log"
)

const (
	logLevelHeaderLegacy        = "Log-Level"
	logLevelHeader              = "X-Log-Level"
	clientRequestIDHeaderLegacy = "Client-Request-Id"
	clientRequestIDHeader       = "X-Client-Request-Id"
	clientRequestMsecHeader     = "X-Client-Request-Msec"

	clientRequestIDKey = "client_request_id"
)

// WithRequestHeader 根据握手请求头为连接上下文注入日志级别与 Trace 信息。
//
// X-Log-Level 可以提升或降低单个连接的日志级别；
// X-Client-Request-Id 为合法 TraceID 时直接作为 traceID，否则作为普通字段记录。
func WithRequestHeader(ctx context.Context, h http.Header) context.Context {
	newctx := ctx
	var traceID trace.TraceID

	if levels := GetHeader(h, logLevelHeader, logLevelHeaderLegacy); len(levels) >= 1 {
		level := zapcore.DebugLevel
		if err := level.UnmarshalText([]byte(levels[0])); err == nil {
			switch level {
			case zapcore.DebugLevel:
				newctx = log.WithDebugLevel(ctx)
			case zapcore.InfoLevel:
				newctx = log.WithInfoLevel(ctx)
			case zapcore.WarnLevel:
				newctx = log.WithWarnLevel(ctx)
			case zapcore.ErrorLevel:
				newctx = log.WithErrorLevel(ctx)
			case zapcore.FatalLevel:
				newctx = log.WithFatalLevel(ctx)
			}
		}
	}

	if requestID := GetHeader(h, clientRequestIDHeader, clientRequestIDHeaderLegacy); len(requestID) >= 1 {
		var err error
		traceID, err = trace.TraceIDFromHex(requestID[0])
		if err != nil {
			newctx = log.WithFields(newctx, zap.String(clientRequestIDKey, requestID[0]))
		}
	}

	if msec, ok := GetClientReqUnixmsec(h); ok {
		newctx = log.WithFields(newctx, zap.Int64("clientRequestUnixmsec", msec))
	}

	if !traceID.IsValid() {
		traceID = trace.SpanContextFromContext(newctx).TraceID()
	}
	if traceID.IsValid() {
		newctx = log.WithTraceID(newctx, traceID.String())
	}
	return newctx
}

// GetClientReqUnixmsec 解析客户端请求的时间戳（毫秒）。
func GetClientReqUnixmsec(h http.Header) (int64, bool) {
	values := GetHeader(h, clientRequestMsecHeader)
	if len(values) < 1 {
		return -1, false
	}
	msec, err := strconv.ParseInt(values[0], 10, 64)
	if err != nil {
		return -1, false
	}
	return msec, true
}

func GetHeader(h http.Header, keys ...string) []string {
	var result []string
	for _, key := range keys {
		if values := h.Values(key); len(values) > 0 {
			result = append(result, values...)
		}
	}
	return result
}
