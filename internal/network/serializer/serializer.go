package serializer

// Serializer 抽象了网络层“对象 <-> 字节流”的序列化能力。
//
// 调用方通过接口注入具体实现，网关默认使用 JSON 文本帧。
type Serializer interface {
	// Marshal 将任意对象编码为字节序列。
	Marshal(v any) ([]byte, error)

	// Unmarshal 将字节序列解码到目标对象。
	//
	// v 通常为指针类型，用于接收解码结果。
	Unmarshal(data []byte, v any) error
}

// Envelope 是所有入站消息共有的外层结构，按 type 字段路由。
type Envelope struct {
	Type string `json:"type"`
}

// PeekType 只解析消息的 type 字段。
func PeekType(ser Serializer, data []byte) (string, error) {
	var env Envelope
	if err := ser.Unmarshal(data, &env); err != nil {
		return "", err
	}
	return env.Type, nil
}
