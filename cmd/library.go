package cmd

import (
	"context"
	"fmt"
	"strings"

	"QFMCast/config"
	"QFMCast/db"
	"QFMCast/logger"
	"QFMCast/model"
	"QFMCast/repository"

	"github.com/spf13/cobra"
)

var (
	libTitle    string
	libArtist   string
	libAlbum    string
	libURL      string
	libHLS      string
	libQuality  string
	libDuration float32
	libUserID   int64

	settingsUserID    int64
	settingsProviders string
	settingsQuality   string
)

var libraryCmd = &cobra.Command{
	Use:   "library",
	Short: "本地曲库与播放设置管理",
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "创建曲库和播放设置表",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := setup("library")
		defer logger.Sync()
		if err := connectDB(cfg); err != nil {
			return err
		}
		defer db.CloseGormDB()

		if err := db.AutoMigrate(); err != nil {
			return err
		}
		fmt.Println("数据表迁移完成")
		return nil
	},
}

var addTrackCmd = &cobra.Command{
	Use:   "add",
	Short: "向曲库添加一首歌",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := setup("library")
		defer logger.Sync()
		if libURL == "" && libHLS == "" {
			return fmt.Errorf("需要 --url 或 --hls")
		}
		if err := connectDB(cfg); err != nil {
			return err
		}
		defer db.CloseGormDB()

		track := &model.LibraryTrack{
			UserID:          libUserID,
			Title:           libTitle,
			Artist:          libArtist,
			Album:           libAlbum,
			StreamURL:       libURL,
			HLSPlaylistPath: libHLS,
			Quality:         libQuality,
			Duration:        libDuration,
			State:           1,
		}
		if err := repository.NewGormTrackRepository(db.GormDB).Create(context.Background(), track); err != nil {
			return err
		}
		fmt.Printf("已添加 #%d %s - %s\n", track.ID, track.Title, track.Artist)
		return nil
	},
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "查看或修改用户的音源顺序",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := setup("library")
		defer logger.Sync()
		if err := connectDB(cfg); err != nil {
			return err
		}
		defer db.CloseGormDB()

		ctx := context.Background()
		repo := repository.NewGormSettingsRepository(db.GormDB)

		if settingsProviders != "" {
			chain, err := config.ParseProviderChain([]byte("providers: [" + settingsProviders + "]"))
			if err != nil {
				return err
			}
			settings := &model.PlaybackSettings{
				UserID:        settingsUserID,
				ProviderChain: chain.Providers,
				Quality:       settingsQuality,
			}
			if err := repo.Save(ctx, settings); err != nil {
				return err
			}
		}

		settings, err := repo.Get(ctx, settingsUserID)
		if err != nil {
			return err
		}
		if settings == nil {
			fmt.Printf("用户 %d 没有保存设置，使用默认音源链 %s\n", settingsUserID, strings.Join(cfg.ProviderChain, ","))
			return nil
		}
		fmt.Printf("用户 %d 音源链: %s 音质: %s\n", settingsUserID, strings.Join(settings.ProviderChain, ","), settings.Quality)
		return nil
	},
}

func connectDB(cfg *config.Config) error {
	if err := db.ConnectGormDB(cfg); err != nil {
		return fmt.Errorf("无法连接到数据库: %w", err)
	}
	return nil
}

func init() {
	addTrackCmd.Flags().StringVar(&libTitle, "title", "", "歌名")
	addTrackCmd.Flags().StringVar(&libArtist, "artist", "", "歌手")
	addTrackCmd.Flags().StringVar(&libAlbum, "album", "", "专辑")
	addTrackCmd.Flags().StringVar(&libURL, "url", "", "可直接播放的地址")
	addTrackCmd.Flags().StringVar(&libHLS, "hls", "", "HLS 播放列表的相对路径")
	addTrackCmd.Flags().StringVar(&libQuality, "quality", "standard", "音质")
	addTrackCmd.Flags().Float32Var(&libDuration, "duration", 0, "时长（秒）")
	addTrackCmd.Flags().Int64Var(&libUserID, "user", 0, "所属用户")
	addTrackCmd.MarkFlagRequired("title")

	settingsCmd.Flags().Int64Var(&settingsUserID, "user", 0, "用户ID")
	settingsCmd.Flags().StringVar(&settingsProviders, "providers", "", "以逗号分隔的音源顺序，例如 library,netease")
	settingsCmd.Flags().StringVar(&settingsQuality, "quality", "exhigh", "音质")
	settingsCmd.MarkFlagRequired("user")

	libraryCmd.AddCommand(migrateCmd, addTrackCmd, settingsCmd)
	rootCmd.AddCommand(libraryCmd)
}
