// Package lyrics parses timed lyrics and tracks the current line against playback progress.
// Failures in this package are always soft.
package lyrics

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// SyncedLine 一行带时间戳的歌词，Time 单位为秒
type SyncedLine struct {
	Time float64 `json:"time"`
	Text string  `json:"text"`
}

// [mm:ss] [mm:ss.x] [mm:ss.xx] [mm:ss.xxx]，分钟位数不限
var timeTag = regexp.MustCompile(`^\[(\d+):(\d{1,2})(?:[.:](\d{1,3}))?\]`)

// Parse 解析 LRC 文本，按时间稳定排序。元数据标签和无法解析的行会被跳过，空文本行保留。
func Parse(raw string) []SyncedLine {
	if raw == "" {
		return nil
	}

	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	lines := make([]SyncedLine, 0, strings.Count(raw, "\n")+1)

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var times []float64
		rest := line
		for {
			m := timeTag.FindStringSubmatch(rest)
			if m == nil {
				break
			}
			times = append(times, tagSeconds(m[1], m[2], m[3]))
			rest = rest[len(m[0]):]
		}
		if len(times) == 0 {
			continue
		}

		text := strings.TrimSpace(rest)
		for _, t := range times {
			lines = append(lines, SyncedLine{Time: t, Text: text})
		}
	}

	sort.SliceStable(lines, func(i, j int) bool {
		return lines[i].Time < lines[j].Time
	})
	return lines
}

func tagSeconds(min, sec, frac string) float64 {
	m, _ := strconv.Atoi(min)
	s, _ := strconv.Atoi(sec)
	total := float64(m*60 + s)
	if frac != "" {
		f, _ := strconv.Atoi(frac)
		div := 10.0
		for i := 1; i < len(frac); i++ {
			div *= 10
		}
		total += float64(f) / div
	}
	return total
}

// CurrentIndex 返回最后一行 Time <= progress 的下标；progress 早于第一行时返回 -1
func CurrentIndex(lines []SyncedLine, progress float64) int {
	return sort.Search(len(lines), func(i int) bool {
		return lines[i].Time > progress
	}) - 1
}

// LineAt 返回当前行文本，没有当前行时为空
func LineAt(lines []SyncedLine, progress float64) (int, string) {
	idx := CurrentIndex(lines, progress)
	if idx < 0 {
		return -1, ""
	}
	return idx, lines[idx].Text
}
