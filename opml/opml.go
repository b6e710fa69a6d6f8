// Package opml provides OPML import and export of feed subscriptions.
package opml

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"time"

	gopml "github.com/gilliek/go-opml/opml"
	"github.com/robertmeta/feedreader/model"
)

// Subscription is a feed listed in an OPML document.
type Subscription struct {
	URL   string
	Title string
	// Folder is the text of the enclosing outline, if any.
	Folder string
}

// Parse reads an OPML document and returns its subscriptions in
// document order. Folders are flattened; a URL listed more than once
// is returned the first time only.
func Parse(r io.Reader) ([]Subscription, error) {
	var doc gopml.OPML
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse OPML: %w", err)
	}

	seen := map[string]bool{}
	var subs []Subscription
	walk(doc.Body.Outlines, "", func(sub Subscription) {
		if seen[sub.URL] {
			return
		}
		seen[sub.URL] = true
		subs = append(subs, sub)
	})
	return subs, nil
}

func walk(outlines []gopml.Outline, folder string, visit func(Subscription)) {
	for _, o := range outlines {
		if url := strings.TrimSpace(o.XMLURL); url != "" {
			title := o.Title
			if title == "" {
				title = o.Text
			}
			visit(Subscription{URL: url, Title: title, Folder: folder})
		}
		if len(o.Outlines) > 0 {
			name := o.Text
			if name == "" {
				name = o.Title
			}
			walk(o.Outlines, name, visit)
		}
	}
}

// Generate writes an OPML document listing feeds.
func Generate(w io.Writer, feeds []model.Feed, now time.Time) error {
	doc := gopml.OPML{
		Version: "2.0",
		Head: gopml.Head{
			Title:       "feedreader subscriptions",
			DateCreated: now.UTC().Format(time.RFC1123),
		},
		Body: gopml.Body{
			Outlines: []gopml.Outline{},
		},
	}

	for _, feed := range feeds {
		title := feed.DisplayTitle()
		doc.Body.Outlines = append(doc.Body.Outlines, gopml.Outline{
			Type:    "rss",
			Text:    title,
			Title:   title,
			XMLURL:  feed.URL,
			HTMLURL: feed.Link,
		})
	}

	// Write XML declaration
	if _, err := w.Write([]byte(xml.Header)); err != nil {
		return fmt.Errorf("failed to write XML header: %w", err)
	}

	encoder := xml.NewEncoder(w)
	encoder.Indent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode OPML: %w", err)
	}

	// Add final newline
	if _, err := w.Write([]byte("\n")); err != nil {
		return fmt.Errorf("failed to write final newline: %w", err)
	}

	return nil
}
