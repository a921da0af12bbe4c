package utils

import (
	"runtime/debug"

	"go.uber.org/zap"

	"yqhp/proofsearch/pkg/logger"
)

// SafeGoWithName 安全地启动一个带名称的 goroutine，自动捕获 panic 并记录日志
func SafeGoWithName(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("goroutine panic recovered",
					zap.String("goroutine", name),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()))
			}
		}()
		fn()
	}()
}
