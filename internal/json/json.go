// Package json 统一 JSON 编解码入口，底层使用 bytedance/sonic 的标准库兼容配置。
package json

import (
	"github.com/bytedance/sonic"
)

var (
	json = sonic.ConfigStd

	Marshal       = json.Marshal
	Unmarshal     = json.Unmarshal
	MarshalIndent = json.MarshalIndent
	NewDecoder    = json.NewDecoder
	NewEncoder    = json.NewEncoder
	Valid         = json.Valid
)

// MarshalString 将 v 编码为字符串。
func MarshalString(v any) (string, error) {
	return json.MarshalToString(v)
}
