package collector

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ThreadHTML is the parsed body of one discussion-forum thread, ready
// for symbol extraction.
type ThreadHTML struct {
	Title    string
	Body     string
	Comments []string
}

// ParseThreadHTML extracts a thread's title, body and top-level comments
// from raw HTML. This is the one concrete collector this repo ships:
// Discovery's social-thread source (§4-E) needs *some* HTML-to-text leg
// before symbol extraction can run, and goquery is the pack's HTML
// parsing dependency; everything upstream of this (which forum, which
// HTTP client, auth) is outside this package and unimplemented.
func ParseThreadHTML(html string) (ThreadHTML, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ThreadHTML{}, err
	}

	out := ThreadHTML{}
	out.Title = strings.TrimSpace(doc.Find("h1, .thread-title, title").First().Text())
	out.Body = strings.TrimSpace(doc.Find(".thread-body, .post-body, article").First().Text())
	if out.Body == "" {
		out.Body = strings.TrimSpace(doc.Find("body").Text())
	}

	doc.Find(".comment, .comment-body").Each(func(_ int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		if text != "" {
			out.Comments = append(out.Comments, text)
		}
	})

	return out, nil
}

// tickerPattern matches uppercase 2-5 character tokens, the candidate
// symbol shape spec.md §4-E names.
var tickerPattern = regexp.MustCompile(`\b[A-Z]{2,5}\b`)

// ExtractCandidateSymbols regex-extracts uppercase 2-5 char tokens from
// text and drops anything on the denylist.
func ExtractCandidateSymbols(text string) []string {
	matches := tickerPattern.FindAllString(text, -1)
	seen := make(map[string]struct{}, len(matches))
	var out []string
	for _, m := range matches {
		if IsDenylisted(m) {
			continue
		}
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}
