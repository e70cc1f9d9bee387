package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"QFMCast/core/lyrics"
	"QFMCast/core/plugin"
	"QFMCast/logger"

	"github.com/spf13/cobra"
)

var (
	resolveTitle   string
	resolveArtist  string
	resolveQuality string
	resolveUserID  int64
	resolveLyrics  bool
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "按音源链解析一首歌的播放地址",
	Long:  `按配置的音源顺序依次尝试，输出第一个可用的播放地址，可选输出同步歌词。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := setup("resolve")
		defer logger.Sync()

		ctx := context.Background()
		st, err := buildStack(ctx, cfg, resolveUserID)
		if err != nil {
			return err
		}
		defer st.Close()

		quality := resolveQuality
		if quality == "" {
			quality = st.quality
		}

		fmt.Printf("正在解析: %s - %s (%s)\n", resolveTitle, resolveArtist, quality)
		res, err := st.resolver.Resolve(ctx, resolveTitle, resolveArtist, quality)
		if err != nil {
			var resErr *plugin.ResolutionError
			if errors.As(err, &resErr) {
				for _, a := range resErr.Attempts {
					fmt.Printf("  %s: %v\n", a.Provider, a.Err)
				}
			}
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}

		if resolveLyrics {
			lines := lyrics.FetchSoft(ctx, st.lyrics(), resolveArtist, resolveTitle)
			fmt.Printf("\n歌词 %d 行\n", len(lines))
			for _, l := range lines {
				fmt.Printf("[%s] %s\n", formatSeconds(l.Time), l.Text)
			}
		}
		return nil
	},
}

func init() {
	resolveCmd.Flags().StringVarP(&resolveTitle, "title", "t", "", "歌名")
	resolveCmd.Flags().StringVarP(&resolveArtist, "artist", "a", "", "歌手")
	resolveCmd.Flags().StringVarP(&resolveQuality, "quality", "q", "", "音质（默认使用音源链配置）")
	resolveCmd.Flags().Int64Var(&resolveUserID, "user", 0, "从数据库读取该用户的音源链")
	resolveCmd.Flags().BoolVar(&resolveLyrics, "lyrics", false, "同时输出歌词")
	resolveCmd.MarkFlagRequired("title")
	rootCmd.AddCommand(resolveCmd)
}
