package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/duke-git/lancet/v2/retry"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"yqhp/proofsearch/internal/gateway"
	"yqhp/proofsearch/pkg/logger"
	"yqhp/proofsearch/pkg/types"
)

// ErrServiceExited 表示底层服务在 Live 期间意外退出。
var ErrServiceExited = errors.New("worker service exited")

// Service 是被控制器托管的底层服务（模型服务器或编译器）。
type Service interface {
	// Start 在 ep 上启动服务并等待其就绪。
	Start(ctx context.Context, ep Endpoint) error
	// Stop 停止服务，最多等待 ctx 的截止时间。
	Stop(ctx context.Context) error
	// Done 在服务进程退出时关闭。
	Done() <-chan struct{}
}

// Options 控制器配置
type Options struct {
	Tag   string
	Path  string
	Class types.WorkerClass

	// RenewInterval 为 0 时取租约 TTL 的三分之一。
	RenewInterval time.Duration
	GracePeriod   time.Duration
	MaxLifetime   time.Duration

	RegisterRetries int
	RegisterBackoff time.Duration
	// MaxAddressMoves 是地址冲突时最多更换地址的次数。
	MaxAddressMoves int
	// DrainPollInterval 是 Draining 时轮询在途请求数的间隔。
	DrainPollInterval time.Duration

	// OnStateChange 在每次状态转换后调用。
	OnStateChange func(from, to State)
}

// DefaultOptions 返回默认配置
func DefaultOptions() Options {
	return Options{
		Class:             types.WorkerClassModelServer,
		GracePeriod:       30 * time.Second,
		RegisterRetries:   5,
		RegisterBackoff:   15 * time.Second,
		MaxAddressMoves:   3,
		DrainPollInterval: time.Second,
	}
}

// Controller 驱动单个工作节点走完一次生命周期。
type Controller struct {
	opts      Options
	registrar Registrar
	service   Service
	picker    AddressPicker
	clock     clockwork.Clock
	log       *zap.Logger

	mu       sync.RWMutex
	state    State
	workerID string
	endpoint Endpoint
}

// ControllerOption 控制器选项
type ControllerOption func(*Controller)

// WithControllerClock 设置时钟
func WithControllerClock(clock clockwork.Clock) ControllerOption {
	return func(c *Controller) {
		c.clock = clock
	}
}

// WithAddressPicker 设置地址选择器
func WithAddressPicker(picker AddressPicker) ControllerOption {
	return func(c *Controller) {
		c.picker = picker
	}
}

// NewController 创建控制器
func NewController(registrar Registrar, service Service, opts Options, options ...ControllerOption) *Controller {
	defaults := DefaultOptions()
	if opts.Class == "" {
		opts.Class = defaults.Class
	}
	if opts.RegisterRetries <= 0 {
		opts.RegisterRetries = 1
	}
	if opts.RegisterBackoff <= 0 {
		opts.RegisterBackoff = defaults.RegisterBackoff
	}
	if opts.DrainPollInterval <= 0 {
		opts.DrainPollInterval = defaults.DrainPollInterval
	}
	if opts.MaxAddressMoves < 0 {
		opts.MaxAddressMoves = 0
	}

	c := &Controller{
		opts:      opts,
		registrar: registrar,
		service:   service,
		picker:    FreePortPicker("127.0.0.1"),
		clock:     clockwork.NewRealClock(),
		log:       logger.Named("worker"),
		state:     StateIdle,
	}
	for _, o := range options {
		o(c)
	}
	return c
}

// State 返回当前状态
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// WorkerID 返回当前注册得到的 ID，未注册时为空。
func (c *Controller) WorkerID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.workerID
}

// Endpoint 返回当前服务地址
func (c *Controller) Endpoint() Endpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.endpoint
}

func (c *Controller) transition(to State) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()

	if !CanTransition(from, to) {
		c.log.Warn("unexpected state transition", zap.String("from", string(from)), zap.String("to", string(to)))
	}
	c.log.Debug("state changed", zap.String("from", string(from)), zap.String("to", string(to)), zap.String("tag", c.opts.Tag))
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(from, to)
	}
}

type liveOutcome int

const (
	outcomeDrain liveOutcome = iota
	outcomeReregister
	outcomeCrashed
)

// Run 执行一次完整的生命周期，直到 Terminated。
// 收到 ctx 取消或达到 MaxLifetime 时正常排空并返回 nil。
func (c *Controller) Run(ctx context.Context) error {
	c.setWorkerID("")
	c.transition(StateStarting)
	if err := c.startService(ctx); err != nil {
		c.transition(StateTerminated)
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	var expired <-chan time.Time
	if c.opts.MaxLifetime > 0 {
		timer := c.clock.NewTimer(c.opts.MaxLifetime)
		defer timer.Stop()
		expired = timer.Chan()
	}

	for {
		c.transition(StateRegistering)
		lease, err := c.register(ctx)
		if err != nil {
			c.stopService(ctx)
			c.transition(StateTerminated)
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		c.setWorkerID(lease.WorkerID)
		c.transition(StateLive)
		c.log.Info("worker live",
			zap.String("worker_id", lease.WorkerID),
			zap.String("tag", c.opts.Tag),
			zap.String("address", c.Endpoint().URL()),
			zap.Duration("lease_ttl", lease.TTL))

		switch c.live(ctx, lease, expired) {
		case outcomeReregister:
			continue
		case outcomeCrashed:
			c.log.Error("service exited unexpectedly", zap.String("worker_id", lease.WorkerID))
			c.deregister(ctx)
			c.stopService(ctx)
			c.transition(StateTerminated)
			return ErrServiceExited
		default:
			c.transition(StateDraining)
			c.drain(ctx)
			c.transition(StateTerminated)
			return nil
		}
	}
}

func (c *Controller) setWorkerID(id string) {
	c.mu.Lock()
	c.workerID = id
	c.mu.Unlock()
}

func (c *Controller) startService(ctx context.Context) error {
	prev := c.Endpoint()
	var ep Endpoint
	for i := 0; i < 3; i++ {
		picked, err := c.picker(ctx)
		if err != nil {
			return fmt.Errorf("pick address: %w", err)
		}
		ep = picked
		if ep != prev {
			break
		}
	}
	c.mu.Lock()
	c.endpoint = ep
	c.mu.Unlock()

	c.log.Info("starting service", zap.String("tag", c.opts.Tag), zap.String("address", ep.URL()))
	if err := c.service.Start(ctx, ep); err != nil {
		return fmt.Errorf("start service on %s: %w", ep.HostPort(), err)
	}
	return nil
}

func (c *Controller) stopService(ctx context.Context) {
	stopCtx := context.WithoutCancel(ctx)
	if err := c.service.Stop(stopCtx); err != nil {
		c.log.Warn("stop service failed", zap.Error(err))
	}
}

// register 注册到网关；地址冲突时换新地址重启服务再注册。
func (c *Controller) register(ctx context.Context) (*types.Lease, error) {
	for moves := 0; ; moves++ {
		lease, err := c.registerOnce(ctx)
		if err == nil {
			return lease, nil
		}
		if !errors.Is(err, gateway.ErrDuplicateAddress) || moves >= c.opts.MaxAddressMoves {
			return nil, err
		}

		c.log.Warn("address already registered, moving", zap.String("address", c.Endpoint().URL()), zap.Error(err))
		c.stopService(ctx)
		c.transition(StateStarting)
		if err := c.startService(ctx); err != nil {
			return nil, err
		}
		c.transition(StateRegistering)
	}
}

// registerOnce 对暂时性错误做线性退避重试，参数错误和地址冲突不重试。
func (c *Controller) registerOnce(ctx context.Context) (*types.Lease, error) {
	reg := &types.Registration{
		Tag:     c.opts.Tag,
		Address: c.Endpoint().URL(),
		Path:    c.opts.Path,
		Class:   c.opts.Class,
	}

	var (
		lease   *types.Lease
		lastErr error
	)
	err := retry.Retry(func() error {
		l, err := c.registrar.Register(ctx, reg)
		if err == nil {
			lease, lastErr = l, nil
			return nil
		}
		lastErr = err
		if permanentRegisterError(err) || ctx.Err() != nil {
			return nil
		}
		c.log.Warn("register failed, retrying", zap.String("tag", reg.Tag), zap.Error(err))
		return err
	},
		retry.RetryTimes(uint(c.opts.RegisterRetries)),
		retry.RetryWithLinearBackoff(c.opts.RegisterBackoff),
		retry.Context(ctx),
	)
	if lastErr != nil {
		return nil, lastErr
	}
	if err != nil {
		return nil, err
	}
	return lease, nil
}

func permanentRegisterError(err error) bool {
	return errors.Is(err, gateway.ErrDuplicateAddress) || errors.Is(err, gateway.ErrInvalidRegistration)
}

func (c *Controller) renewInterval(lease *types.Lease) time.Duration {
	if c.opts.RenewInterval > 0 && (lease.TTL <= 0 || c.opts.RenewInterval < lease.TTL) {
		return c.opts.RenewInterval
	}
	if lease.TTL > 0 {
		return lease.TTL / 3
	}
	return time.Second
}

func (c *Controller) live(ctx context.Context, lease *types.Lease, expired <-chan time.Time) liveOutcome {
	ticker := c.clock.NewTicker(c.renewInterval(lease))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return outcomeDrain
		case <-expired:
			c.log.Info("max lifetime reached", zap.String("worker_id", lease.WorkerID))
			return outcomeDrain
		case <-c.service.Done():
			return outcomeCrashed
		case <-ticker.Chan():
			renewed, err := c.registrar.Renew(ctx, lease.WorkerID)
			if errors.Is(err, gateway.ErrUnknownWorker) {
				c.log.Warn("lease lost, registering again", zap.String("worker_id", lease.WorkerID))
				return outcomeReregister
			}
			if err != nil {
				if ctx.Err() != nil {
					return outcomeDrain
				}
				c.log.Warn("renew failed", zap.String("worker_id", lease.WorkerID), zap.Error(err))
				continue
			}
			lease = renewed
		}
	}
}

// drain 停止接收新请求，等待在途请求完成或宽限期结束，然后注销并停止服务。
func (c *Controller) drain(ctx context.Context) {
	dctx := context.WithoutCancel(ctx)
	id := c.WorkerID()

	if err := c.registrar.Drain(dctx, id); err != nil && !errors.Is(err, gateway.ErrUnknownWorker) {
		c.log.Warn("drain failed", zap.String("worker_id", id), zap.Error(err))
	}
	c.awaitIdle(dctx, id)
	c.deregister(dctx)
	c.stopService(dctx)
	c.log.Info("worker drained", zap.String("worker_id", id))
}

func (c *Controller) awaitIdle(ctx context.Context, id string) {
	idle := func() bool {
		w, err := c.registrar.Worker(ctx, id)
		if err != nil {
			return true
		}
		return w.Inflight == 0
	}
	if idle() || c.opts.GracePeriod <= 0 {
		return
	}

	grace := c.clock.NewTimer(c.opts.GracePeriod)
	defer grace.Stop()
	poll := c.clock.NewTicker(c.opts.DrainPollInterval)
	defer poll.Stop()

	for {
		select {
		case <-grace.Chan():
			c.log.Warn("grace period elapsed with work in flight", zap.String("worker_id", id))
			return
		case <-c.service.Done():
			return
		case <-poll.Chan():
			if idle() {
				return
			}
		}
	}
}

func (c *Controller) deregister(ctx context.Context) {
	id := c.WorkerID()
	if id == "" {
		return
	}
	err := c.registrar.Deregister(context.WithoutCancel(ctx), id)
	if err != nil && !errors.Is(err, gateway.ErrUnknownWorker) {
		c.log.Warn("deregister failed", zap.String("worker_id", id), zap.Error(err))
	}
}
