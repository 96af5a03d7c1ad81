package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:          "stop",
	Short:        "Stop the server",
	RunE:         stopCmdF,
	SilenceUsage: true,
}

func init() {
	RootCmd.AddCommand(stopCmd)
}

func stopCmdF(cmd *cobra.Command, args []string) error {
	// 获取应用名
	_, dir := getAppDir()

	// 关闭服务器
	file := filepath.Join(dir, pidFile)
	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("unable to read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("invalid pid file %s: %w", file, err)
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("unable to stop [PID] %d: %w", pid, err)
	}
	log.Infof("Server stop, [PID] %d", pid)

	return os.Remove(file)
}
