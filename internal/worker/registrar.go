package worker

import (
	"context"

	"yqhp/proofsearch/internal/gateway"
	"yqhp/proofsearch/pkg/types"
)

// Registrar 是工作节点看到的网关注册接口。
// 远程实现见 api/rest/client，进程内实现见 LocalRegistrar。
type Registrar interface {
	Register(ctx context.Context, reg *types.Registration) (*types.Lease, error)
	Renew(ctx context.Context, workerID string) (*types.Lease, error)
	Drain(ctx context.Context, workerID string) error
	Worker(ctx context.Context, workerID string) (*types.Worker, error)
	Deregister(ctx context.Context, workerID string) error
}

// LocalRegistrar 把 Registrar 适配到进程内的注册表。
type LocalRegistrar struct {
	registry *gateway.InMemoryRegistry
}

// NewLocalRegistrar 创建进程内注册器
func NewLocalRegistrar(registry *gateway.InMemoryRegistry) *LocalRegistrar {
	return &LocalRegistrar{registry: registry}
}

// Register 注册节点并返回租约副本
func (l *LocalRegistrar) Register(ctx context.Context, reg *types.Registration) (*types.Lease, error) {
	id, err := l.registry.Register(ctx, reg)
	if err != nil {
		return nil, err
	}
	worker, err := l.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	lease := worker.Lease
	return &lease, nil
}

// Renew 续约并返回新租约
func (l *LocalRegistrar) Renew(ctx context.Context, workerID string) (*types.Lease, error) {
	return l.registry.Renew(ctx, workerID)
}

// Drain 将节点标记为排空，不再接收新请求
func (l *LocalRegistrar) Drain(ctx context.Context, workerID string) error {
	return l.registry.Drain(ctx, workerID)
}

// Worker 返回节点当前状态的副本
func (l *LocalRegistrar) Worker(ctx context.Context, workerID string) (*types.Worker, error) {
	return l.registry.Get(ctx, workerID)
}

// Deregister 注销节点
func (l *LocalRegistrar) Deregister(ctx context.Context, workerID string) error {
	return l.registry.Deregister(ctx, workerID)
}
