package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"yqhp/proofsearch/pkg/logger"
)

// ProcessConfig 描述要托管的外部进程。
// Command 中的 {host}、{port}、{address} 会被替换为本次选择的地址。
type ProcessConfig struct {
	Command      []string
	Env          []string
	ReadyPath    string
	StartTimeout time.Duration
	StopTimeout  time.Duration
	PollInterval time.Duration
}

// ProcessService 以子进程方式运行模型服务器或编译工作进程。
type ProcessService struct {
	cfg    ProcessConfig
	client *fiber.Client
	log    *zap.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	done    chan struct{}
	exitErr error
}

// NewProcessService 创建进程服务
func NewProcessService(cfg ProcessConfig) *ProcessService {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 10 * time.Minute
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &ProcessService{
		cfg:    cfg,
		client: fiber.AcquireClient(),
		log:    logger.Named("process"),
	}
}

// ExpandArgs 替换命令行中的地址占位符。
func ExpandArgs(args []string, ep Endpoint) []string {
	r := strings.NewReplacer("{host}", ep.Host, "{port}", strconv.Itoa(ep.Port), "{address}", ep.URL())
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = r.Replace(a)
	}
	return out
}

func (p *ProcessService) Start(ctx context.Context, ep Endpoint) error {
	if len(p.cfg.Command) == 0 {
		return errors.New("worker command is empty")
	}
	argv := ExpandArgs(p.cfg.Command, ep)

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), p.cfg.Env...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("exec %s: %w", argv[0], err)
	}

	done := make(chan struct{})
	p.mu.Lock()
	p.cmd = cmd
	p.done = done
	p.exitErr = nil
	p.mu.Unlock()

	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		close(done)
	}()

	p.log.Info("process started", zap.Int("pid", cmd.Process.Pid), zap.Strings("argv", argv))
	if p.cfg.ReadyPath == "" {
		return nil
	}
	if err := p.waitReady(ctx, ep, done); err != nil {
		_ = p.Stop(context.WithoutCancel(ctx))
		return err
	}
	return nil
}

// waitReady 轮询就绪接口直到返回 2xx。
func (p *ProcessService) waitReady(ctx context.Context, ep Endpoint, done <-chan struct{}) error {
	url := ep.URL() + "/" + strings.TrimPrefix(p.cfg.ReadyPath, "/")
	ctx, cancel := context.WithTimeout(ctx, p.cfg.StartTimeout)
	defer cancel()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		req := p.client.Get(url)
		req.Timeout(p.cfg.PollInterval)
		status, _, errs := req.Bytes()
		if len(errs) == 0 && status >= 200 && status < 300 {
			p.log.Info("process ready", zap.String("url", url))
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("process not ready at %s: %w", url, ctx.Err())
		case <-done:
			return fmt.Errorf("process exited before ready: %w", p.ExitErr())
		case <-ticker.C:
		}
	}
}

// Stop 先发送 SIGTERM，超时后 SIGKILL。
func (p *ProcessService) Stop(ctx context.Context) error {
	p.mu.Lock()
	cmd, done := p.cmd, p.done
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	default:
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		p.log.Warn("sigterm failed", zap.Error(err))
	}
	timer := time.NewTimer(p.cfg.StopTimeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	p.log.Warn("process did not exit, killing", zap.Int("pid", cmd.Process.Pid))
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	<-done
	return nil
}

func (p *ProcessService) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// ExitErr 返回进程退出时的错误。
func (p *ProcessService) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}
