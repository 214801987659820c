package parser

import (
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// StripTrackingPixels removes 1x1 (or smaller) images from an HTML fragment.
// Everything else is left as-is.
func StripTrackingPixels(html string) string {
	if !strings.Contains(strings.ToLower(html), "<img") {
		return html
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}

	removed := 0
	doc.Find("img").Each(func(_ int, img *goquery.Selection) {
		if tiny(img.AttrOr("width", "")) && tiny(img.AttrOr("height", "")) {
			img.Remove()
			removed++
		}
	})
	if removed == 0 {
		return html
	}

	out, err := doc.Find("body").Html()
	if err != nil {
		return html
	}
	return out
}

func tiny(dimension string) bool {
	dimension = strings.TrimSuffix(strings.TrimSpace(dimension), "px")
	n, err := strconv.Atoi(dimension)
	return err == nil && n <= 1
}
