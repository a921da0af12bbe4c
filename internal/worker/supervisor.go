package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"yqhp/proofsearch/pkg/logger"
)

// Supervisor 在控制器终止后按冷却时间重新启动它。
type Supervisor struct {
	controller  *Controller
	autoRestart bool
	cooldown    time.Duration
	clock       clockwork.Clock
	restarts    atomic.Int64
}

// NewSupervisor 创建监督器
func NewSupervisor(controller *Controller, autoRestart bool, cooldown time.Duration) *Supervisor {
	return &Supervisor{
		controller:  controller,
		autoRestart: autoRestart,
		cooldown:    cooldown,
		clock:       controller.clock,
	}
}

// Restarts 返回已重启的次数
func (s *Supervisor) Restarts() int {
	return int(s.restarts.Load())
}

// Run 运行控制器直到 ctx 取消；未开启 AutoRestart 时只运行一次。
func (s *Supervisor) Run(ctx context.Context) error {
	log := logger.Named("supervisor")
	for {
		err := s.controller.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if !s.autoRestart {
			return err
		}
		if err != nil {
			log.Warn("worker terminated", zap.Error(err), zap.Duration("cooldown", s.cooldown))
		} else {
			log.Info("worker retired", zap.Duration("cooldown", s.cooldown))
		}

		if s.cooldown > 0 {
			timer := s.clock.NewTimer(s.cooldown)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.Chan():
			}
		}
		s.restarts.Add(1)
	}
}
