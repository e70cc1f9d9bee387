package cmd

import (
	"fmt"
	"os"

	"QFMCast/config"
	"QFMCast/logger"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "qfmcast",
	Short: "QFMCast 把手机上的播放同步到电视上。",
	Long: `QFMCast 由三部分组成：电视端(display)显示房间码并跟随播放，
手机端(controller)输入房间码后控制播放，relay 在两者之间按房间转发消息。`,
	SilenceUsage: true,
}

// Execute executes the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup 加载配置并按组件初始化日志
func setup(component string) *config.Config {
	cfg := config.Load()
	logger.InitLogger(logger.DefaultConfig(cfg.LogLevel, cfg.LogFile, component))
	return cfg
}
