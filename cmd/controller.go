package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"QFMCast/cache"
	"QFMCast/core/controller"
	"QFMCast/core/netease"
	"QFMCast/core/room"
	"QFMCast/logger"
	"QFMCast/model"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

var (
	controllerRoom string
	controllerName string
)

var controllerCmd = &cobra.Command{
	Use:   "controller",
	Short: "手机端：加入房间并控制播放",
	Long: `使用房间码或深链接加入电视创建的房间。不指定 --room 时使用上次成功配对的房间码。
命令: play <歌名> - <歌手>, pause, resume, toggle, seek <秒>, status, quit`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := setup("controller")
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		deviceID := cfg.DeviceID
		if deviceID == "" {
			// 重连依赖稳定的设备ID
			host, _ := os.Hostname()
			deviceID = "controller-" + host
		}

		transport, err := newTransport(cfg, "qfmcast-controller")
		if err != nil {
			return err
		}
		defer transport.Close()

		var store controller.CodeStore
		if err := cache.ConnectRedis(cfg); err != nil {
			logger.Warn("Redis 不可用，房间码只在本次运行中记住", logger.ErrorField(err))
			store = cache.NewMemoryRoomCodeStore()
		} else {
			defer cache.CloseRedis()
			store = cache.NewRoomCodeStore()
		}

		ctrl := controller.New(transport, controller.Config{
			DeviceID:         deviceID,
			Name:             controllerName,
			AnnounceInterval: cfg.AnnounceInterval,
			AnnounceRetries:  cfg.AnnounceRetries,
			PublishInterval:  cfg.PublishInterval,
			Store:            store,
			OnPaired: func(displayID string) {
				fmt.Printf("\n已连接电视 %s\n", displayID)
			},
		})

		if controllerRoom != "" {
			code, err := room.ParseDeepLink(controllerRoom)
			if err != nil {
				return err
			}
			if err := ctrl.Connect(ctx, code); err != nil {
				return err
			}
		} else {
			code, err := ctrl.Reconnect(ctx)
			if err != nil {
				if errors.Is(err, controller.ErrNoRememberedCode) {
					return errors.New("请使用 --room 指定房间码")
				}
				return err
			}
			fmt.Printf("使用上次的房间码 %s\n", code)
		}
		fmt.Printf("正在连接房间 %s ...\n", ctrl.Code())

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		errCh := make(chan error, 1)
		go func() { errCh <- ctrl.Run(ctx) }()

		client := netease.NewClient(cfg.NeteaseAPIURL)
		go readControllerCommands(ctx, ctrl, client, cancel)

		err = <-errCh
		fmt.Println("已断开")
		return err
	},
}

var controllerCompleter = readline.NewPrefixCompleter(
	readline.PcItem("play"),
	readline.PcItem("pause"),
	readline.PcItem("resume"),
	readline.PcItem("toggle"),
	readline.PcItem("seek"),
	readline.PcItem("status"),
	readline.PcItem("quit"),
)

// readControllerCommands 读取交互命令直到 quit、Ctrl-C 或输入结束
func readControllerCommands(ctx context.Context, ctrl *controller.Controller, client *netease.Client, quit context.CancelFunc) {
	defer quit()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:       "> ",
		AutoComplete: controllerCompleter,
	})
	if err != nil {
		logger.Error("无法打开终端输入", logger.ErrorField(err))
		return
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			// io.EOF 或 readline.ErrInterrupt
			return
		}
		verb, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
		arg = strings.TrimSpace(arg)

		switch strings.ToLower(verb) {
		case "":
		case "play":
			track, err := lookupTrack(ctx, client, arg)
			if err != nil {
				fmt.Printf("找不到歌曲: %v\n", err)
				continue
			}
			ctrl.SetTrack(track, true)
			fmt.Printf("正在播放 %s - %s\n", track.Title, track.Artist)
		case "pause":
			ctrl.Pause()
		case "resume":
			ctrl.Play()
		case "toggle":
			ctrl.Toggle()
		case "seek":
			sec, err := strconv.ParseFloat(arg, 64)
			if err != nil {
				fmt.Println("用法: seek <秒>")
				continue
			}
			ctrl.Seek(time.Duration(sec * float64(time.Second)))
		case "status":
			st := ctrl.Session().State()
			fmt.Printf("房间 %s 已配对=%v %s - %s 播放=%v 进度=%s\n",
				ctrl.Code(), ctrl.Paired(), st.Track.Title, st.Track.Artist,
				st.IsPlaying, formatSeconds(st.ProgressSeconds))
		case "quit", "q":
			return
		default:
			fmt.Println("命令: play <歌名> - <歌手>, pause, resume, toggle, seek <秒>, status, quit")
		}
	}
}

// lookupTrack 通过网易云搜索补全时长和封面。搜索失败时仍按输入的歌名和歌手播放。
func lookupTrack(ctx context.Context, client *netease.Client, query string) (model.TrackRef, error) {
	title, artist, _ := strings.Cut(query, " - ")
	title, artist = strings.TrimSpace(title), strings.TrimSpace(artist)
	if title == "" {
		return model.TrackRef{}, errors.New("用法: play <歌名> - <歌手>")
	}

	track := model.TrackRef{Title: title, Artist: artist}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	song, err := client.FindSong(ctx, title, artist)
	if err != nil {
		logger.Warn("搜索歌曲失败", logger.String("title", title), logger.ErrorField(err))
		track.ID = strings.ToLower(title + "|" + artist)
		return track, nil
	}
	track.ID = "netease:" + strconv.FormatInt(song.ID, 10)
	track.Album = song.Album
	track.CoverURL = song.CoverURL
	track.DurationSeconds = float64(song.DurationMs) / 1000
	if artist == "" {
		track.Artist = song.ArtistNames()
	}
	return track, nil
}

func init() {
	controllerCmd.Flags().StringVar(&controllerRoom, "room", "", "房间码或深链接")
	controllerCmd.Flags().StringVar(&controllerName, "name", "", "显示在电视上的设备名")
	rootCmd.AddCommand(controllerCmd)
}
