package router

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/guessr-gateway/internal/network/serializer"
	"github.com/lk2023060901/guessr-gateway/internal/network/session"
	"github.com/lk2023060901/guessr-gateway/pkg/util/merr"
)

// Handler 是框架暴露给业务层的通用处理函数签名。
//
//   - sess：当前传输层会话；
//   - req ：已经反序列化的请求对象，具体类型由 Route.NewRequest 决定。
type Handler func(ctx context.Context, sess session.Session, req any) error

// Route 描述一条路由规则：消息类型 -> 请求类型 + 业务 Handler。
type Route struct {
	// NewRequest 返回指向具体请求类型的指针，例如 func() any { return &VerifyRequest{} }。
	NewRequest func() any

	Handler Handler
}

// Router 维护消息类型到路由规则的映射。
//
// 调用链：读出文本帧 -> PeekType 取 type -> NewRequest -> Unmarshal -> Handler。
type Router struct {
	ser    serializer.Serializer
	routes map[string]Route
}

// New 创建一个基于给定 Serializer 的 Router。
func New(ser serializer.Serializer) *Router {
	return &Router{
		ser:    ser,
		routes: make(map[string]Route),
	}
}

// Register 为消息类型 typ 注册路由。重复注册返回错误。
// Register 只应在启动阶段调用。
func (r *Router) Register(typ string, route Route) error {
	if typ == "" {
		return merr.WrapErrParameterMissing("type", "router register")
	}
	if route.NewRequest == nil || route.Handler == nil {
		return merr.WrapErrParameterInvalidMsg("router: incomplete route for type=%s", typ)
	}
	if _, exists := r.routes[typ]; exists {
		return merr.WrapErrParameterInvalidMsg("router: type=%s already registered", typ)
	}
	r.routes[typ] = route
	return nil
}

// Types 返回已注册的消息类型。
func (r *Router) Types() []string {
	types := make([]string, 0, len(r.routes))
	for typ := range r.routes {
		types = append(types, typ)
	}
	return types
}

// Handle 处理一条入站消息。未知类型返回 ErrOperationNotSupported。
func (r *Router) Handle(ctx context.Context, sess session.Session, payload []byte) error {
	if sess == nil {
		return merr.WrapErrParameterMissing("session", "router handle")
	}

	typ, err := serializer.PeekType(r.ser, payload)
	if err != nil {
		return errors.Wrap(merr.WrapErrParameterInvalidMsg("malformed message: %v", err), "router")
	}

	route, ok := r.routes[typ]
	if !ok {
		return merr.WrapErrOperationNotSupported(typ, "router: no handler")
	}

	req := route.NewRequest()
	if err := r.ser.Unmarshal(payload, req); err != nil {
		return errors.Wrapf(merr.WrapErrParameterInvalidMsg("bad %s payload: %v", typ, err), "router")
	}
	return route.Handler(ctx, sess, req)
}
