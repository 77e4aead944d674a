package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	FieldNameModule    = "module"
	FieldNameComponent = "component"
	FieldNameSession   = "sessionID"
	FieldNameAccount   = "accountID"
)

// FieldModule 返回一个包含模块名的 zap 字段。
func FieldModule(module string) zap.Field {
	return zap.String(FieldNameModule, module)
}

// FieldComponent 返回一个包含组件名的 zap 字段。
func FieldComponent(component string) zap.Field {
	return zap.String(FieldNameComponent, component)
}

// FieldMessage 返回一个包含消息对象的 zap 字段。
func FieldMessage(msg zapcore.ObjectMarshaler) zap.Field {
	return zap.Object("message", msg)
}

// FieldSessionID 返回连接 ID 字段。
func FieldSessionID(id string) zap.Field {
	return zap.String(FieldNameSession, id)
}

// FieldAccountID 返回账号 ID 字段，空账号（游客）记为 "-"。
func FieldAccountID(id string) zap.Field {
	if id == "" {
		id = "-"
	}
	return zap.String(FieldNameAccount, id)
}
