package room

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strings"
)

const (
	// CodeAlphabet 房间码字符集，去掉了容易看错的 0/O 与 1/I
	CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	// CodeLength 房间码长度
	CodeLength = 6

	topicPrefix  = "tv-room-"
	deepLinkPath = "/tv"
	deepLinkKey  = "room"
)

var (
	ErrInvalidCode     = errors.New("room: invalid room code")
	ErrInvalidDeepLink = errors.New("room: invalid deep link")
)

var alphabetSize = big.NewInt(int64(len(CodeAlphabet)))

// GenerateCode 生成6位房间码，使用 crypto/rand
func GenerateCode() (string, error) {
	var b strings.Builder
	b.Grow(CodeLength)
	for i := 0; i < CodeLength; i++ {
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", fmt.Errorf("生成房间码失败: %w", err)
		}
		b.WriteByte(CodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// NormalizeCode 处理手动输入：去空白、转大写
func NormalizeCode(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// ValidateCode 检查长度与字符集，不做规范化
func ValidateCode(code string) error {
	if len(code) != CodeLength {
		return fmt.Errorf("%w: length %d", ErrInvalidCode, len(code))
	}
	for i := 0; i < len(code); i++ {
		if strings.IndexByte(CodeAlphabet, code[i]) < 0 {
			return fmt.Errorf("%w: character %q", ErrInvalidCode, code[i])
		}
	}
	return nil
}

// Topic 房间对应的发布/订阅主题
func Topic(code string) string {
	return topicPrefix + code
}

// CodeFromTopic 从主题名取出房间码
func CodeFromTopic(topic string) (string, error) {
	if !strings.HasPrefix(topic, topicPrefix) {
		return "", fmt.Errorf("%w: topic %q", ErrInvalidCode, topic)
	}
	code := strings.TrimPrefix(topic, topicPrefix)
	if err := ValidateCode(code); err != nil {
		return "", err
	}
	return code, nil
}

// DeepLink 生成二维码使用的链接 <origin>/tv?room=<CODE>
func DeepLink(origin, code string) string {
	return strings.TrimRight(origin, "/") + deepLinkPath + "?" + deepLinkKey + "=" + url.QueryEscape(code)
}

// ParseDeepLink 从扫码结果中取出房间码。扫码器有时只返回文本，因此也接受裸房间码。
func ParseDeepLink(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidDeepLink
	}

	if !strings.Contains(raw, "?") && !strings.Contains(raw, "/") {
		code := NormalizeCode(raw)
		if err := ValidateCode(code); err != nil {
			return "", err
		}
		return code, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDeepLink, err)
	}
	if strings.TrimRight(u.Path, "/") != deepLinkPath {
		return "", fmt.Errorf("%w: unexpected path %q", ErrInvalidDeepLink, u.Path)
	}
	code := NormalizeCode(u.Query().Get(deepLinkKey))
	if err := ValidateCode(code); err != nil {
		return "", err
	}
	return code, nil
}
