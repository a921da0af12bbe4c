package utils

import (
	"github.com/bytedance/sonic"
)

// Marshal 将对象序列化为JSON字节数组
func Marshal(v any) ([]byte, error) {
	return sonic.Marshal(v)
}

// MarshalIndent 将对象序列化为格式化的JSON字节数组
func MarshalIndent(v any) ([]byte, error) {
	return sonic.MarshalIndent(v, "", "  ")
}

// Unmarshal 将JSON字节数组解析到指定对象
func Unmarshal(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}

// FromJSONBytes 将JSON字节数组转换为对象
func FromJSONBytes[T any](data []byte) (T, error) {
	var v T
	err := sonic.Unmarshal(data, &v)
	return v, err
}

// SetField decodes a JSON object, sets key to value and re-encodes it.
func SetField(data []byte, key string, value any) ([]byte, error) {
	obj := make(map[string]any)
	if err := sonic.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	obj[key] = value
	return sonic.Marshal(obj)
}

// GetString returns the string value of a top-level key of a JSON object.
func GetString(data []byte, key string) (string, bool) {
	obj := make(map[string]any)
	if err := sonic.Unmarshal(data, &obj); err != nil {
		return "", false
	}
	s, ok := obj[key].(string)
	return s, ok
}
