package logutil

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lk2023060901/guessr-gateway/pkg/log"
)

func TestWithRequestHeaderWithoutHeaders(t *testing.T) {
	ctx := WithRequestHeader(context.Background(), http.Header{})
	assert.Nil(t, ctx.Value(log.CtxLogKey))
}

func TestWithRequestHeader(t *testing.T) {
	h := http.Header{}
	h.Set(logLevelHeader, "debug")
	h.Set(clientRequestIDHeader, "4bf92f3577b34da6a3ce929d0e0e4736")
	h.Set(clientRequestMsecHeader, "1700000000000")

	ctx := WithRequestHeader(context.Background(), h)
	assert.NotNil(t, ctx.Value(log.CtxLogKey))
	assert.NotNil(t, log.Ctx(ctx).Logger)
}

func TestGetHeaderAndMsec(t *testing.T) {
	h := http.Header{}
	h.Add(clientRequestIDHeaderLegacy, "legacy")
	h.Add(clientRequestIDHeader, "current")
	assert.Equal(t, []string{"current", "legacy"}, GetHeader(h, clientRequestIDHeader, clientRequestIDHeaderLegacy))

	_, ok := GetClientReqUnixmsec(h)
	assert.False(t, ok)
	h.Set(clientRequestMsecHeader, "not-a-number")
	_, ok = GetClientReqUnixmsec(h)
	assert.False(t, ok)
	h.Set(clientRequestMsecHeader, "42")
	msec, ok := GetClientReqUnixmsec(h)
	assert.True(t, ok)
	assert.Equal(t, int64(42), msec)
}
