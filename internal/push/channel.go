// Package push 将服务端事件推送给玩家会话。
//
// 推送永远不会向调用方返回错误：会话没有传输通道时静默丢弃，
// 写失败只记录指标与限流日志。
package push

import (
	"go.uber.org/zap"

	"github.com/lk2023060901/guessr-gateway/internal/network/serializer"
	"github.com/lk2023060901/guessr-gateway/internal/player"
	"github.com/lk2023060901/guessr-gateway/pkg/log"
	"github.com/lk2023060901/guessr-gateway/pkg/metrics"
	"github.com/lk2023060901/guessr-gateway/pkg/util/merr"
)

// Target 是推送的目标，*player.Session 满足该接口。
type Target interface {
	ID() string
	Transport() player.Transport
}

// Channel 是 MessageChannel 的实现。
type Channel struct {
	log.Binder
	ser serializer.Serializer
}

// NewChannel 创建推送通道，ser 为 nil 时使用 JSON。
func NewChannel(ser serializer.Serializer) *Channel {
	if ser == nil {
		ser = serializer.JSONSerializer{}
	}
	c := &Channel{ser: ser}
	c.SetLogger(log.With(log.FieldComponent("push")))
	return c
}

// Send 编码 ev 并写入目标的当前传输通道。
func (c *Channel) Send(t Target, ev Event) {
	transport := t.Transport()
	if transport == nil {
		return
	}
	payload, err := c.ser.Marshal(ev)
	if err != nil {
		c.Logger().Warn("encode push event failed",
			log.FieldSessionID(t.ID()), zap.String("type", ev.EventType()), zap.Error(err))
		return
	}
	if err := transport.Send(payload); err != nil {
		metrics.GatewayPushSendFailures.WithLabelValues(ev.EventType()).Inc()
		c.Logger().RatedWarn(10, "push event dropped",
			zap.String("type", ev.EventType()),
			zap.Error(merr.WrapErrTransportWrite(t.ID(), err)))
	}
}

// SendAll 按顺序推送多条消息。
func (c *Channel) SendAll(t Target, evs ...Event) {
	for _, ev := range evs {
		c.Send(t, ev)
	}
}
