package imagecache

import (
	"crypto/md5"
	"encoding/hex"
	"path/filepath"
	"strings"
)

const (
	imageExt  = ".jpg"
	originExt = ".origin"
)

// DigestFunc 将源地址映射为缓存文件名主干，必须是确定性的纯函数且只输出小写十六进制。
type DigestFunc func(originURL string) string

// MD5Digest 是默认摘要函数：对 URL 字符串做 MD5，输出 32 位小写十六进制。
func MD5Digest(originURL string) string {
	sum := md5.Sum([]byte(originURL))
	return hex.EncodeToString(sum[:])
}

// Entry 描述一个源地址对应的缓存条目位置，不代表文件一定存在。
type Entry struct {
	Digest string
	// Name 是缓存目录内的文件名，例如 <digest>.jpg。
	Name string
	// Path 是文件的绝对路径。
	Path string
	// URL 是对外公开的改写地址。
	URL string
}

// Derive 计算 originURL 对应的缓存条目，无任何 I/O；空地址返回零值。
func (c *ImageCache) Derive(originURL string) Entry {
	if originURL == "" {
		return Entry{}
	}
	return c.entryForDigest(c.digest(originURL))
}

func (c *ImageCache) entryForDigest(digest string) Entry {
	name := digest + imageExt
	return Entry{
		Digest: digest,
		Name:   name,
		Path:   filepath.Join(c.store.Root(), name),
		URL:    c.prefix + "/" + name,
	}
}

// ParseCachedURL 判断 raw 是否为本缓存生成的改写地址，是则返回其中的摘要。
func (c *ImageCache) ParseCachedURL(raw string) (string, bool) {
	rest, ok := strings.CutPrefix(raw, c.prefix+"/")
	if !ok {
		return "", false
	}
	return parseImageName(rest)
}

// parseImageName 校验 <hex>.jpg 形式的文件名并返回摘要部分。
func parseImageName(name string) (string, bool) {
	stem, ok := strings.CutSuffix(name, imageExt)
	if !ok || !isLowerHex(stem) {
		return "", false
	}
	return stem, true
}

func isLowerHex(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if (ch < '0' || ch > '9') && (ch < 'a' || ch > 'f') {
			return false
		}
	}
	return true
}
