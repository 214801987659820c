package parser

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/mmcdole/gofeed/atom"
)

// ErrParse wraps every failure to make sense of a feed body.
var ErrParse = errors.New("parse error")

// Document is the structured form of a fetched feed.
type Document struct {
	Title   string
	Link    string
	Hub     string
	Entries []Entry
	// Skipped counts items dropped because they carried no usable identity.
	Skipped int
}

// Entry is a raw item as published upstream. Date is nil when the item had
// no parseable date.
type Entry struct {
	GUID    string
	Link    string
	Title   string
	Content string
	Author  string
	Date    *time.Time
}

type Parser struct {
	gofeedParser *gofeed.Parser
}

func New() *Parser {
	return &Parser{gofeedParser: gofeed.NewParser()}
}

// Parse turns a response body into a Document. Individual malformed items
// are skipped; only an unreadable feed is an error.
func (p *Parser) Parse(body []byte) (*Document, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrParse)
	}

	feed, err := p.gofeedParser.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	doc := &Document{
		Title: strings.TrimSpace(feed.Title),
		Link:  feed.Link,
		Hub:   findHub(feed, body),
	}

	for _, item := range feed.Items {
		if item == nil {
			doc.Skipped++
			continue
		}
		entry := Entry{
			GUID:    strings.TrimSpace(cmp.Or(item.GUID, item.Link, item.Title)),
			Link:    strings.TrimSpace(item.Link),
			Title:   strings.TrimSpace(item.Title),
			Content: StripTrackingPixels(cmp.Or(item.Content, item.Description)),
			Date:    itemDate(item),
		}
		if item.Author != nil {
			entry.Author = cmp.Or(item.Author.Name, item.Author.Email)
		}
		if entry.GUID == "" {
			doc.Skipped++
			continue
		}
		doc.Entries = append(doc.Entries, entry)
	}

	return doc, nil
}

func itemDate(item *gofeed.Item) *time.Time {
	for _, t := range []*time.Time{item.PublishedParsed, item.UpdatedParsed} {
		if t != nil && !t.IsZero() {
			utc := t.UTC()
			return &utc
		}
	}
	return nil
}

// findHub looks for a rel="hub" link. RSS feeds carry it as an atom:link
// extension; Atom feeds need the native parser since the universal
// translation drops link relations.
func findHub(feed *gofeed.Feed, body []byte) string {
	if links, ok := feed.Extensions["atom"]["link"]; ok {
		for _, link := range links {
			if strings.EqualFold(link.Attrs["rel"], "hub") && link.Attrs["href"] != "" {
				return link.Attrs["href"]
			}
		}
	}

	if feed.FeedType != "atom" {
		return ""
	}
	atomFeed, err := (&atom.Parser{}).Parse(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	for _, link := range atomFeed.Links {
		if strings.EqualFold(link.Rel, "hub") && link.Href != "" {
			return link.Href
		}
	}
	return ""
}
