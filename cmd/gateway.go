package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"yqhp/proofsearch/api/rest"
	"yqhp/proofsearch/api/rest/client"
	"yqhp/proofsearch/internal/config"
	"yqhp/proofsearch/internal/gateway"
	"yqhp/proofsearch/internal/store"
	"yqhp/proofsearch/pkg/logger"
)

var (
	gatewayAddress string
	gatewayTTL     time.Duration
	gatewayPolicy  string

	workersGateway string
	workersTag     string
)

// gatewayCmd 是 gateway 子命令
var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "管理网关",
	Long:  `网关维护工作节点注册表与租约，并按能力标签路由请求。`,
}

// gatewayStartCmd 是 gateway start 子命令
var gatewayStartCmd = &cobra.Command{
	Use:   "start",
	Short: "启动网关",
	Example: `  # 使用默认配置启动
  proofsearch gateway start

  # 指定监听地址与租约时长
  proofsearch gateway start --address :9000 --lease-ttl 90s`,
	RunE: runGatewayStart,
}

// gatewayWorkersCmd 是 gateway workers 子命令
var gatewayWorkersCmd = &cobra.Command{
	Use:     "workers",
	Short:   "列出已注册的工作节点",
	Example: `  proofsearch gateway workers --gateway http://localhost:8080 --tag solver-8b`,
	RunE:    runGatewayWorkers,
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
	gatewayCmd.AddCommand(gatewayStartCmd)
	gatewayCmd.AddCommand(gatewayWorkersCmd)

	gatewayStartCmd.Flags().StringVar(&gatewayAddress, "address", ":8080", "HTTP 服务地址")
	gatewayStartCmd.Flags().DurationVar(&gatewayTTL, "lease-ttl", gateway.DefaultLeaseTTL, "租约时长")
	gatewayStartCmd.Flags().StringVar(&gatewayPolicy, "policy", gateway.PolicyLeastInflight, "选择策略 (least_inflight, round_robin)")

	gatewayWorkersCmd.Flags().StringVar(&workersGateway, "gateway", "http://localhost:8080", "网关地址")
	gatewayWorkersCmd.Flags().StringVar(&workersTag, "tag", "", "按能力标签过滤")
}

func gatewayConfig(cfg *config.Config) *gateway.Config {
	return &gateway.Config{
		LeaseTTL:         cfg.Gateway.LeaseTTL,
		SweepInterval:    cfg.Gateway.SweepInterval,
		AdmissionTimeout: cfg.Gateway.AdmissionTimeout,
		PollInterval:     cfg.Gateway.PollInterval,
		MaxAttempts:      cfg.Gateway.MaxAttempts,
		WorkerTimeout:    cfg.Gateway.WorkerTimeout,
		Policy:           cfg.Gateway.Policy,
		EventBuffer:      cfg.Gateway.EventBuffer,
	}
}

func serverConfig(cfg *config.Config) *rest.Config {
	return &rest.Config{
		Address:       cfg.Server.Address,
		ReadTimeout:   cfg.Server.ReadTimeout,
		WriteTimeout:  cfg.Server.WriteTimeout,
		BodyLimit:     cfg.Server.BodyLimit,
		CompilerTag:   cfg.Gateway.CompilerTag,
		EnableMetrics: cfg.Metrics.Enabled,
		MetricsPath:   cfg.Metrics.Path,
		AccessLog:     debug,
	}
}

// buildGateway 组装网关与 REST 服务；返回的 cleanup 关闭外部连接
func buildGateway(ctx context.Context, cfg *config.Config) (*gateway.Gateway, *rest.Server, func(), error) {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := []gateway.Option{
		gateway.WithRegisterer(promReg),
		gateway.WithGatewayRewriter(rest.ModelRewriter),
	}
	cleanup := func() {}

	if cfg.Redis.Enabled {
		rdb, err := store.NewRedisClient(ctx, store.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("连接 Redis 失败: %w", err)
		}
		cleanup = func() { _ = rdb.Close() }
		opts = append(opts, gateway.WithEventSink(store.NewRedisMirror(rdb, cfg.Redis.KeyPrefix)))
	}

	gw, err := gateway.New(gatewayConfig(cfg), opts...)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}
	return gw, rest.NewServer(gw, serverConfig(cfg), promReg), cleanup, nil
}

func runGatewayStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(flagOverrides(cmd, map[string]string{
		"address":   "server.address",
		"lease-ttl": "gateway.lease_ttl",
		"policy":    "gateway.policy",
	}))
	if err != nil {
		return err
	}

	ctx, cancel := signalContext("网关")
	defer cancel()

	gw, server, cleanup, err := buildGateway(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("启动网关失败: %w", err)
	}
	defer gw.Stop()

	if !quiet {
		fmt.Printf("proofsearch gateway %s\n", Version)
		fmt.Printf("  HTTP 地址: %s\n", cfg.Server.Address)
		fmt.Printf("  租约时长: %s\n", cfg.Gateway.LeaseTTL)
		fmt.Printf("  选择策略: %s\n", cfg.Gateway.Policy)
		fmt.Printf("  Redis 镜像: %v\n", cfg.Redis.Enabled)
		fmt.Println()
	}
	logger.Info("gateway listening", zap.String("address", cfg.Server.Address))

	if err := server.StartWithContext(ctx); err != nil {
		return fmt.Errorf("网关服务异常退出: %w", err)
	}
	return nil
}

func runGatewayWorkers(cmd *cobra.Command, args []string) error {
	c := client.NewClient(&client.Config{
		GatewayURL:     workersGateway,
		RequestTimeout: 10 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	list, err := c.ListWorkers(ctx, workersTag)
	if err != nil {
		return fmt.Errorf("查询工作节点失败: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-24s %-20s %-16s %-10s %-8s %s\n", "ID", "TAG", "CLASS", "STATUS", "INFLIGHT", "ADDRESS")
	for _, w := range list.Workers {
		fmt.Fprintf(out, "%-24s %-20s %-16s %-10s %-8d %s\n", w.ID, w.Tag, w.Class, w.Status, w.Inflight, w.Address)
	}
	fmt.Fprintf(out, "\n共 %d 个工作节点\n", list.Total)
	return nil
}
