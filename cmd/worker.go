package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"yqhp/proofsearch/api/rest/client"
	"yqhp/proofsearch/internal/config"
	"yqhp/proofsearch/internal/worker"
	"yqhp/proofsearch/pkg/types"
)

var (
	workerTag         string
	workerClass       string
	workerPath        string
	workerGatewayURL  string
	workerHost        string
	workerAutoRestart bool
)

// workerCmd 是 worker 子命令
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "管理工作节点",
	Long:  `工作节点启动推理或编译服务，向网关注册并续租，退出前排空在途请求。`,
}

// workerRunCmd 是 worker run 子命令
var workerRunCmd = &cobra.Command{
	Use:   "run [flags] -- <command> [args...]",
	Short: "启动并托管一个工作节点进程",
	Long: `启动服务进程并驱动其生命周期：选择端口、注册、续租、排空、注销。

命令参数中的 {host}、{port}、{address} 会替换为分配到的地址。`,
	Example: `  # 托管一个 vLLM 推理服务
  proofsearch worker run --tag solver-8b --path /models/solver-8b -- \
    vllm serve /models/solver-8b --host {host} --port {port}

  # 托管一个 Lean 编译服务，崩溃后自动重启
  proofsearch worker run --class proof_compiler --tag lean-compiler --auto-restart -- \
    lean-server --port {port}`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.AddCommand(workerRunCmd)

	workerRunCmd.Flags().StringVar(&workerTag, "tag", "", "能力标签")
	workerRunCmd.Flags().StringVar(&workerClass, "class", "model_server", "节点类型 (model_server, proof_compiler)")
	workerRunCmd.Flags().StringVar(&workerPath, "path", "", "模型路径或服务路径")
	workerRunCmd.Flags().StringVar(&workerGatewayURL, "gateway", "http://localhost:8080", "网关地址")
	workerRunCmd.Flags().StringVar(&workerHost, "host", "127.0.0.1", "服务监听主机")
	workerRunCmd.Flags().BoolVar(&workerAutoRestart, "auto-restart", false, "服务退出后自动重启")
}

// workerOptions 把配置映射为生命周期控制器参数
func workerOptions(cfg *config.Config) worker.Options {
	opts := worker.DefaultOptions()
	opts.Tag = cfg.Worker.Tag
	opts.Path = cfg.Worker.Path
	opts.Class = types.WorkerClass(cfg.Worker.Class)
	opts.RenewInterval = cfg.Worker.RenewInterval
	opts.GracePeriod = cfg.Worker.GracePeriod
	opts.MaxLifetime = cfg.Worker.MaxLifetime
	opts.RegisterRetries = cfg.Worker.RegisterRetries
	opts.RegisterBackoff = cfg.Worker.RegisterBackoff
	return opts
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(flagOverrides(cmd, map[string]string{
		"tag":          "worker.tag",
		"class":        "worker.class",
		"path":         "worker.path",
		"gateway":      "worker.gateway_url",
		"host":         "worker.host",
		"auto-restart": "worker.auto_restart",
	}))
	if err != nil {
		return err
	}
	if cfg.Worker.Tag == "" {
		return fmt.Errorf("必须指定能力标签 (--tag 或 worker.tag)")
	}
	command := args
	if len(command) == 0 {
		command = cfg.Worker.Command
	}
	if len(command) == 0 {
		return fmt.Errorf("必须指定服务命令")
	}

	registrar := client.NewClient(&client.Config{
		GatewayURL:     cfg.Worker.GatewayURL,
		RequestTimeout: client.DefaultConfig().RequestTimeout,
	})
	service := worker.NewProcessService(worker.ProcessConfig{
		Command:      command,
		ReadyPath:    cfg.Worker.ReadyPath,
		StartTimeout: cfg.Worker.StartTimeout,
	})
	controller := worker.NewController(registrar, service, workerOptions(cfg),
		worker.WithAddressPicker(worker.FreePortPicker(cfg.Worker.Host)))
	supervisor := worker.NewSupervisor(controller, cfg.Worker.AutoRestart, cfg.Worker.RestartCooldown)

	ctx, cancel := signalContext("工作节点")
	defer cancel()

	if !quiet {
		fmt.Printf("proofsearch worker %s\n", Version)
		fmt.Printf("  能力标签: %s\n", cfg.Worker.Tag)
		fmt.Printf("  节点类型: %s\n", cfg.Worker.Class)
		fmt.Printf("  网关: %s\n", cfg.Worker.GatewayURL)
		fmt.Printf("  命令: %v\n", command)
		fmt.Println()
	}

	if err := supervisor.Run(ctx); err != nil {
		return fmt.Errorf("工作节点异常退出: %w", err)
	}
	if !quiet {
		fmt.Printf("工作节点已停止，重启次数: %d\n", supervisor.Restarts())
	}
	return nil
}
