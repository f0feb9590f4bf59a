package crawler

import (
	"net/url"
	"regexp"
)

// trackingParams 入库前剥离的跟踪参数，避免同文异链。
var trackingParams = []string{"utm_source", "utm_medium", "utm_campaign"}

var investingURLPattern = regexp.MustCompile(`(?i)^https?://(www\.)?investing\.com/`)

// NormalizeURL 去掉 fragment 与跟踪参数，作为全局去重键。
// 无法解析的输入原样返回。
func NormalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Fragment = ""

	q := u.Query()
	for _, param := range trackingParams {
		q.Del(param)
	}
	u.RawQuery = q.Encode()

	return u.String()
}

// IsInvestingURL 判断链接是否属于目标站点。
func IsInvestingURL(raw string) bool {
	return investingURLPattern.MatchString(raw)
}
