package utils

import (
	"fmt"
	"strings"
	"time"
	"unsafe"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
)

var folder = cases.Fold()

func B2S(b []byte) string {
	return unsafe.String(unsafe.SliceData(b), len(b))
}

// 毫秒精度的时间标签，如20240102150405123
func GetTimeTag(t time.Time) string {
	const tf = "20060102150405.000"
	s := t.Format(tf)
	return s[:len(tf)-4] + s[len(tf)-3:]
}

func GetNowTimeTag() string {
	return GetTimeTag(time.Now())
}

// uuid的前8位
func ShortUUID() string {
	return uuid.NewString()[:8]
}

// 波段名归一化：去除空白并做大小写折叠
func FoldBandName(s string) string {
	return folder.String(strings.TrimSpace(s))
}

// 解析"k1:v1,k2:v2"格式的映射，键经FoldBandName归一化
func ParseBandMap(s string) (m map[string]string, err error) {
	m = map[string]string{}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, ":")
		k, v = FoldBandName(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			err = fmt.Errorf("malformed band mapping %q", pair)
			return
		}
		if _, dup := m[k]; dup {
			err = fmt.Errorf("duplicate band mapping for %q", k)
			return
		}
		m[k] = v
	}
	return
}

func ContainsAll(group, sub []string) bool {
out:
	for _, s := range sub {
		for _, a := range group {
			if a == s {
				continue out
			}
		}
		return false
	}
	return true
}
