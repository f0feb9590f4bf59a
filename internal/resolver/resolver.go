package resolver

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// assetAlias 资产名/别名到标的代码的映射项，按录入顺序匹配，先命中先返回。
type assetAlias struct {
	phrase  string
	ticker  string
	pattern *regexp.Regexp
}

var assetAliases = buildAliases([]struct{ phrase, ticker string }{
	{"paypal", "PYPL"},
	{"apple", "AAPL"},
	{"microsoft", "MSFT"},
	{"tesla", "TSLA"},
	{"nvidia", "NVDA"},
	{"amazon", "AMZN"},
	{"google", "GOOGL"},
	{"meta", "META"},
	{"netflix", "NFLX"},
	{"coinbase", "COIN"},
	{"mercado libre", "MELI"},
	{"bitcoin", "BTC"},
	{"btc", "BTC"},
	{"ethereum", "ETH"},
	{"eth", "ETH"},
	{"solana", "SOL"},
	{"sol", "SOL"},
	{"dogecoin", "DOGE"},
	{"doge", "DOGE"},
	{"ripple", "XRP"},
	{"xrp", "XRP"},
})

// tickerBlacklist 排除常见西语/英语大写词，避免把普通词当成代码。
var tickerBlacklist = map[string]struct{}{
	"QUE": {}, "PASA": {}, "CON": {}, "PARA": {}, "HOY": {},
	"NEWS": {}, "PULSE": {}, "DAME": {}, "ANALISIS": {}, "ANALIZA": {},
	"DEL": {}, "UNA": {}, "POR": {}, "PLEASE": {}, "WHAT": {}, "WITH": {},
	"DE": {}, "EL": {}, "LA": {}, "LOS": {}, "LAS": {}, "ES": {}, "UN": {},
}

// intentPhrases 触发按需分析的意图短语（先归一化再做子串匹配）。
var intentPhrases = []string{
	"que esta pasando con",
	"analiza",
	"setup",
	"soportes",
	"resistencias",
	"que opinas de",
	"contexto de",
}

var (
	sigilPattern      = regexp.MustCompile(`\$([A-Za-z]{1,8})\b`)
	upperTokenPattern = regexp.MustCompile(`\b[A-Z]{2,6}\b`)
)

func buildAliases(entries []struct{ phrase, ticker string }) []assetAlias {
	aliases := make([]assetAlias, 0, len(entries))
	for _, e := range entries {
		normalized := Normalize(e.phrase)
		aliases = append(aliases, assetAlias{
			phrase:  normalized,
			ticker:  e.ticker,
			pattern: regexp.MustCompile(`\b` + regexp.QuoteMeta(normalized) + `\b`),
		})
	}
	return aliases
}

// Normalize 小写并去掉变音符号，只用于短语匹配，不用于大写 token 提取。
func Normalize(text string) string {
	lower := strings.ToLower(text)
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, lower)
	if err != nil {
		return lower
	}
	return stripped
}

// Resolve 从自由文本解析标的代码。匹配顺序：资产短语 → $ 前缀 token →
// 原文中的独立大写 token（黑名单外）。无法解析时返回 ("", false)。
func Resolve(text string) (string, bool) {
	normalized := Normalize(text)

	for _, alias := range assetAliases {
		if alias.pattern.MatchString(normalized) {
			return alias.ticker, true
		}
	}

	if m := sigilPattern.FindStringSubmatch(text); m != nil {
		return strings.ToUpper(m[1]), true
	}

	for _, token := range upperTokenPattern.FindAllString(text, -1) {
		if _, blocked := tickerBlacklist[token]; !blocked {
			return token, true
		}
	}

	return "", false
}

// IsAnalyzable 判断文本是否为可受理的分析请求：命中意图短语、提及已知资产，
// 或能解析出标的代码。黑名单词单独出现且无 $ 前缀、无资产短语时会被拒绝。
func IsAnalyzable(text string) bool {
	normalized := Normalize(text)

	for _, phrase := range intentPhrases {
		if strings.Contains(normalized, phrase) {
			return true
		}
	}
	for _, alias := range assetAliases {
		if alias.pattern.MatchString(normalized) {
			return true
		}
	}

	_, ok := Resolve(text)
	return ok
}
