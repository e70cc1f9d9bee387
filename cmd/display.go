package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"QFMCast/core/audio"
	"QFMCast/core/autoplay"
	"QFMCast/core/display"
	"QFMCast/core/room"
	"QFMCast/logger"
	"QFMCast/pubsub"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
)

var (
	displayRoom   string
	displayUserID int64
)

var displayCmd = &cobra.Command{
	Use:   "display",
	Short: "电视端：创建房间并跟随手机播放",
	Long: `创建房间并显示房间码、深链接和二维码，收到手机的播放状态后在本机播放。
按回车开启声音（首次交互前只静音加载），m 切换静音，q 退出。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := setup("display")
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		deviceID := cfg.DeviceID
		if deviceID == "" {
			deviceID = pubsub.NewDeviceID()
		}

		transport, err := newTransport(cfg, "qfmcast-display")
		if err != nil {
			return err
		}
		defer transport.Close()

		st, err := buildStack(ctx, cfg, displayUserID)
		if err != nil {
			return err
		}
		defer st.Close()

		element, err := audio.NewBeepElement()
		if err != nil {
			return err
		}

		gate := autoplay.NewGate()
		synchronizer := display.NewSynchronizer(element, st.resolver, gate, display.Options{
			Quality:             st.quality,
			DriftThreshold:      cfg.DriftThreshold,
			DriftGrace:          cfg.DriftGrace,
			LatencyCompensation: cfg.LatencyCompensation,
			SelfID:              deviceID,
			Lyrics:              st.lyrics(),
			OnChange:            printSnapshot,
		})

		d := display.New(transport, synchronizer, display.Config{
			DeviceID: deviceID,
			Origin:   cfg.Origin,
			Code:     room.NormalizeCode(displayRoom),
			OnConnectionChange: func(state room.ConnectionState, controllerID string) {
				fmt.Printf("\n已连接手机 %s\n", controllerID)
			},
		})

		r, err := d.Start(ctx)
		if err != nil {
			return err
		}
		printRoom(r)

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go readDisplayKeys(synchronizer, cancel)

		err = d.Run(ctx)
		fmt.Println("\n已断开")
		return err
	},
}

func printRoom(r *display.Room) {
	fmt.Printf("房间码: %s\n深链接: %s\n", r.Code, r.DeepLink)
	qr, err := qrcode.New(r.DeepLink, qrcode.Medium)
	if err != nil {
		logger.Warn("生成二维码失败", logger.ErrorField(err))
		return
	}
	fmt.Println(qr.ToSmallString(false))
	fmt.Println("按回车开启声音，m 静音，q 退出")
}

// readDisplayKeys 回车解锁自动播放，m 切换静音，q 退出
func readDisplayKeys(s *display.Synchronizer, quit context.CancelFunc) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
		case "":
			if s.Unlock() {
				fmt.Println("声音已开启")
			}
		case "m":
			if s.ToggleMute() {
				fmt.Println("已静音")
			} else {
				fmt.Println("已取消静音")
			}
		case "q":
			quit()
			return
		}
	}
}

func printSnapshot(s display.Snapshot) {
	if s.Track.IsZero() {
		fmt.Printf("\r\033[K等待播放")
		return
	}

	line := fmt.Sprintf("%s - %s [%s] %s",
		s.Track.Title, s.Track.Artist, s.ReadyState(), formatSeconds(s.Progress))
	if s.Muted {
		line += " (静音)"
	}
	if !s.Unlocked {
		line += " 按回车开启声音"
	}
	if s.LyricLine != "" {
		line += "  " + s.LyricLine
	}
	if s.Err != "" {
		line += "  错误: " + s.Err
	}
	fmt.Printf("\r\033[K%s", line)
}

func formatSeconds(sec float64) string {
	total := int(sec)
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}

func init() {
	displayCmd.Flags().StringVar(&displayRoom, "room", "", "使用指定的房间码（默认随机生成）")
	displayCmd.Flags().Int64Var(&displayUserID, "user", 0, "从数据库读取该用户的音源链")
	rootCmd.AddCommand(displayCmd)
}
