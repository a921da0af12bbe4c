package logger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/utils"
)

// DefaultSlowQuery 慢查询阈值
const DefaultSlowQuery = 200 * time.Millisecond

// GormLogger 把 GORM 日志写入 zap，名称为 "gorm"
type GormLogger struct {
	SlowThreshold time.Duration
	LogLevel      gormlogger.LogLevel
}

// NewGormLogger 创建 GORM 日志适配器
func NewGormLogger(level gormlogger.LogLevel) *GormLogger {
	return &GormLogger{SlowThreshold: DefaultSlowQuery, LogLevel: level}
}

func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	c := *l
	c.LogLevel = level
	return &c
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	l.printf(gormlogger.Info, zapcore.InfoLevel, msg, data)
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	l.printf(gormlogger.Warn, zapcore.WarnLevel, msg, data)
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	l.printf(gormlogger.Error, zapcore.ErrorLevel, msg, data)
}

func (l *GormLogger) printf(min gormlogger.LogLevel, level zapcore.Level, msg string, data []interface{}) {
	if l.LogLevel < min {
		return
	}
	if ce := gormZap().Check(level, fmt.Sprintf(msg, data...)); ce != nil {
		ce.Write()
	}
}

func gormZap() *zap.Logger {
	return Named("gorm").WithOptions(zap.WithCaller(false))
}

// callerSite 只保留 目录/文件名:行号
func callerSite(caller string) string {
	dir, file := filepath.Split(caller)
	return filepath.Join(filepath.Base(dir), file)
}

// Trace 记录一条 SQL；失败记 error，慢查询记 warn，其余仅在 Info 级别下记 debug
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.LogLevel <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	var level zapcore.Level
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.LogLevel >= gormlogger.Error:
		level = zapcore.ErrorLevel
	case l.SlowThreshold > 0 && elapsed > l.SlowThreshold && l.LogLevel >= gormlogger.Warn:
		level = zapcore.WarnLevel
	case l.LogLevel >= gormlogger.Info:
		level = zapcore.DebugLevel
	default:
		return
	}

	sql, rows := fc()
	site := callerSite(utils.FileWithLineNum())
	lg := gormZap()

	if IsJSON() {
		fields := []zap.Field{
			zap.String("site", site),
			zap.Duration("elapsed", elapsed),
			zap.Int64("rows", rows),
			zap.String("sql", sql),
		}
		if level == zapcore.ErrorLevel {
			fields = append(fields, zap.Error(err))
		}
		if ce := lg.Check(level, "query"); ce != nil {
			ce.Write(fields...)
		}
		return
	}

	msg := fmt.Sprintf("%s [%.3fms] [rows:%d] %s", site, float64(elapsed.Microseconds())/1000, rows, sql)
	if level == zapcore.WarnLevel {
		msg = "slow " + msg
	}
	if ce := lg.Check(level, msg); ce != nil {
		if level == zapcore.ErrorLevel {
			ce.Write(zap.Error(err))
			return
		}
		ce.Write()
	}
}
