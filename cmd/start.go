package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"mining-settlement/config"
	"mining-settlement/core"
)

var daemon bool
var startCmd = &cobra.Command{
	Use:          "start",
	Short:        "Start the server",
	RunE:         startCmdF,
	SilenceUsage: true,
}

func init() {
	RootCmd.AddCommand(startCmd)
	startCmd.Flags().BoolVarP(&daemon, "daemon", "d", false, "run with daemon?")
	RootCmd.RunE = startCmdF
}

func startCmdF(cmd *cobra.Command, args []string) error {
	// 加载配置文件
	cfg, err := loadConfig(cmd)
	if err != nil {
		log.Errorf("Error loading configuration: %v", err)
		return err
	}

	// 后台启动
	if daemon {
		return runDaemon(cmd)
	}

	if err := initLogger(cfg.Logger); err != nil {
		return err
	}

	// 启动应用程序
	interruptChan := make(chan os.Signal, 1)
	return runServer(cfg, interruptChan)
}

func runDaemon(cmd *cobra.Command) error {
	// 获取应用名
	app, dir := getAppDir()

	// 拿到启动命令并自启动
	bin := filepath.Join(dir, app)
	command := exec.Command(bin, "start", "--config", getConfigPath(cmd))
	if err := command.Start(); err != nil {
		return fmt.Errorf("unable to start daemon: %w", err)
	}

	// 打印日志
	log.Infof("Server start, [PID] %d running...", command.Process.Pid)
	if err := os.WriteFile(filepath.Join(dir, pidFile), []byte(fmt.Sprintf("%d", command.Process.Pid)), 0644); err != nil {
		return fmt.Errorf("unable to write pid file: %w", err)
	}
	return nil
}

func runServer(cfg *config.Config, interruptChan chan os.Signal) error {
	server, err := core.NewServer(cfg)
	if err != nil {
		log.Errorf("Fail to instance server: %v", err)
		return err
	}
	defer server.Close()

	if err := server.Start(); err != nil {
		log.Errorf("Fail to start server: %v", err)
		return err
	}
	log.Infof("%s started with %d accounts", cfg.Name, len(cfg.Accounts))

	// wait for kill signal before attempting to gracefully shutdown
	// the running service
	signal.Notify(interruptChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-interruptChan
	log.Infof("Received %v, shutting down", sig)

	return nil
}
