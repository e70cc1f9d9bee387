package cmd

import (
	"errors"
	"fmt"
	"time"

	"QFMCast/core/auth"
	"QFMCast/logger"
	"QFMCast/server"

	"github.com/spf13/cobra"
)

var (
	tokenDevice string
	tokenRole   string
	tokenTTL    time.Duration
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "启动 relay 服务",
	Long:  `启动按房间主题转发消息的 WebSocket relay，同时提供 /tv 深链接落地页。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := setup("relay")
		defer logger.Sync()
		return server.Start(cfg)
	},
}

var relayTokenCmd = &cobra.Command{
	Use:   "token",
	Short: "签发 relay 访问令牌",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := setup("relay")
		if cfg.RelayJWTSecret == "" {
			return errors.New("RELAY_JWT_SECRET 未设置")
		}
		token, err := auth.GenerateToken(cfg.RelayJWTSecret, tokenDevice, tokenRole, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	relayTokenCmd.Flags().StringVar(&tokenDevice, "device", "", "设备ID")
	relayTokenCmd.Flags().StringVar(&tokenRole, "role", "display", "display 或 controller")
	relayTokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 30*24*time.Hour, "有效期")
	relayTokenCmd.MarkFlagRequired("device")

	relayCmd.AddCommand(relayTokenCmd)
	rootCmd.AddCommand(relayCmd)
}
