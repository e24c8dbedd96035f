package spider

import (
	"net/url"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Target describes one crawlable site: where to start, how to turn an item
// element into a record, and how to find the next page.
type Target struct {
	Name     string
	StartURL string
	// ItemSelector selects the elements handed to Parse.
	ItemSelector string
	// NextSelector selects the pagination link to follow, if any.
	NextSelector string
	// Parse extracts a record from one item. abs resolves relative links.
	Parse func(item *goquery.Selection, abs func(string) string) (Record, bool)
}

// Domain returns the host the target may crawl.
func (t Target) Domain() string {
	u, err := url.Parse(t.StartURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// QuotesTarget crawls a quotes.toscrape.com style site rooted at startURL.
// Each div.quote becomes a record titled by its text and linked to its
// author page.
func QuotesTarget(name, startURL string) Target {
	return Target{
		Name:         name,
		StartURL:     startURL,
		ItemSelector: "div.quote",
		NextSelector: "li.next a[href]",
		Parse:        parseQuote,
	}
}

func parseQuote(item *goquery.Selection, abs func(string) string) (Record, bool) {
	title := strings.TrimSpace(item.Find("span.text").First().Text())
	href, ok := item.Find(`a[href*="/author/"]`).First().Attr("href")
	if title == "" || !ok || strings.TrimSpace(href) == "" {
		return Record{}, false
	}
	return Record{Title: title, Link: abs(strings.TrimSpace(href))}, true
}

var registry = map[string]Target{
	"example_spider": QuotesTarget("example_spider", "https://quotes.toscrape.com/"),
}

// Lookup returns the registered target with name.
func Lookup(name string) (Target, bool) {
	t, ok := registry[name]
	return t, ok
}

// Names lists the registered targets in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
