package session

import (
	"context"
)

// Session 抽象了一条网络会话/连接。
//
// 约定：
//   - 每个 Session 对应一条 WebSocket 连接，ID 在进程内唯一；
//   - 框架层只关心字节收发，不关心“玩家”等业务概念；
//   - Send 与 Close 可以被多个 goroutine 并发调用。
type Session interface {
	// ID 返回该会话的唯一标识。
	ID() string

	// Context 返回与该会话关联的上下文，会话关闭时被取消。
	Context() context.Context

	// RemoteIP 返回客户端 IP（优先取反向代理头）。
	RemoteIP() string

	// Send 将一条已编码的消息投递到发送队列。
	//
	// 会话已关闭或队列已满时返回错误，不会阻塞调用方。
	Send(payload []byte) error

	// Close 关闭会话。已入队的消息会先被写出。
	// 多次调用是幂等的。
	Close() error
}
