package network

import "github.com/cockroachdb/errors"

// Stage 表示网络收发链路中的处理阶段。
//
// 主要用于在回调中标记错误发生的位置，便于监控与排查。
type Stage string

const (
	StageUpgrade  Stage = "upgrade"  // HTTP -> WebSocket 升级
	StageRecvRaw  Stage = "recv_raw" // 读取 WebSocket 帧
	StageDecode   Stage = "decode"   // 文本帧 -> 请求对象
	StageDispatch Stage = "dispatch" // 请求对象 -> 业务处理
	StageSend     Stage = "send"     // 写出 WebSocket 帧
)

var (
	// ErrUpgradeFailed 表示 WebSocket 升级失败。
	ErrUpgradeFailed = errors.New("network: upgrade failed")

	// ErrRecvFailed 表示读取底层连接数据时发生错误。
	ErrRecvFailed = errors.New("network: recv failed")

	// ErrSendQueueFull 表示会话发送队列已满，消息被丢弃。
	ErrSendQueueFull = errors.New("network: send queue full")

	// ErrSessionClosed 表示会话已经关闭。
	ErrSessionClosed = errors.New("network: session closed")
)
