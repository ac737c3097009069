package collector

// DefaultDenylist is the static noise-word list: common finance-forum
// acronyms and shoutouts that parse as 2-5 uppercase letters but are
// never equity tickers. Layer 1 of validate_ticker.
var DefaultDenylist = []string{
	"YOLO", "DD", "CEO", "CFO", "CTO", "AI", "USA", "USD", "EPS", "IPO",
	"ATH", "ATL", "FOMO", "FUD", "HODL", "LFG", "IMO", "IMHO", "TLDR",
	"ETF", "SEC", "FDA", "GDP", "CPI", "FED", "NYSE", "OTC", "YTD", "PDF",
	"FAQ", "URL", "DIY", "ASAP", "PSA", "NFT", "DEFI", "API", "ROI", "PE",
}

// denylistSet is built once for O(1) membership checks.
var denylistSet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(DefaultDenylist))
	for _, w := range DefaultDenylist {
		m[w] = struct{}{}
	}
	return m
}()

// IsDenylisted reports whether symbol (expected upper-cased) is a known
// noise word rather than a candidate ticker.
func IsDenylisted(symbol string) bool {
	_, ok := denylistSet[symbol]
	return ok
}
