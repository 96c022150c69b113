package feed

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/mmcdole/gofeed"
	"github.com/mmcdole/gofeed/atom"
	ext "github.com/mmcdole/gofeed/extensions"
)

// document is one parsed wire format. Each variant maps its own entries to
// Item; nothing outside the adapter inspects format-specific fields.
type document interface {
	title() string
	items(base *url.URL) []Item
}

// rssDocument covers RSS 0.9x/2.0 and RDF (RSS 1.0) as exposed by the
// universal gofeed parser.
type rssDocument struct {
	feed *gofeed.Feed
	rdf  bool
}

type atomDocument struct {
	feed *atom.Feed
}

var (
	imgSrcRegex    = regexp.MustCompile(`(?i)<img[^>]+src=["']([^"']+)["']`)
	imageExtRegex  = regexp.MustCompile(`(?i)\.(jpe?g|png|gif|webp|avif|bmp|svg)$`)
	imageHostLabel = map[string]bool{"img": true, "image": true, "images": true, "i": true}
)

// parseDocument detects the format of text and returns its tagged variant.
func parseDocument(text string) (document, error) {
	switch gofeed.DetectFeedType(strings.NewReader(text)) {
	case gofeed.FeedTypeAtom:
		f, err := (&atom.Parser{}).Parse(strings.NewReader(text))
		if err != nil {
			return nil, fmt.Errorf("parsing atom: %w", err)
		}
		return atomDocument{feed: f}, nil
	case gofeed.FeedTypeRSS, gofeed.FeedTypeJSON:
		f, err := gofeed.NewParser().ParseString(text)
		if err != nil {
			return nil, fmt.Errorf("parsing rss: %w", err)
		}
		return rssDocument{feed: f, rdf: f.FeedType == "rss" && f.FeedVersion == "1.0"}, nil
	default:
		return nil, fmt.Errorf("unrecognized feed format")
	}
}

// normalize turns decoded feed text into a Feed. base is the URL the
// document was fetched from; it supplies the title fallback and resolves
// relative item links.
func normalize(text string, base *url.URL) (*Feed, error) {
	doc, err := parseDocument(text)
	if err != nil {
		return nil, err
	}

	items := doc.items(base)
	if rss, ok := doc.(rssDocument); ok {
		applyHatenaImages(items, text, rss.rdf)
	}

	title := strings.TrimSpace(doc.title())
	if title == "" && base != nil {
		title = base.Hostname()
	}
	return &Feed{Title: title, Items: items}, nil
}

func (d rssDocument) title() string { return d.feed.Title }

func (d rssDocument) items(base *url.URL) []Item {
	out := make([]Item, 0, len(d.feed.Items))
	for _, it := range d.feed.Items {
		if it == nil {
			continue
		}
		title := strings.TrimSpace(it.Title)
		link := resolveLink(base, rssItemURL(it))
		if title == "" || link == "" {
			continue
		}

		content := it.Description
		if content == "" {
			content = it.Content
		}

		item := Item{
			Title:        title,
			URL:          link,
			Content:      content,
			ThumbnailURL: resolveLink(base, rssThumbnail(it)),
			PublishedAt:  firstTime(dublinCoreDate(it.Extensions), it.PublishedParsed, it.UpdatedParsed),
		}
		out = append(out, item)
	}
	return out
}

func rssItemURL(it *gofeed.Item) string {
	if link := strings.TrimSpace(it.Link); link != "" {
		return link
	}
	for _, l := range it.Links {
		if l = strings.TrimSpace(l); l != "" {
			return l
		}
	}
	return guidURL(it.GUID)
}

func rssThumbnail(it *gofeed.Item) string {
	for _, enc := range it.Enclosures {
		if enc != nil && isImageEnclosure(enc.Type, enc.URL) {
			return enc.URL
		}
	}
	if u := mediaThumbnail(it.Extensions); u != "" {
		return u
	}
	if u := extensionValue(it.Extensions, "hatena", "imageurl"); u != "" {
		return u
	}
	if it.Image != nil && it.Image.URL != "" {
		return it.Image.URL
	}
	return firstImageInHTML(it.Content + " " + it.Description)
}

func (d atomDocument) title() string { return d.feed.Title }

func (d atomDocument) items(base *url.URL) []Item {
	out := make([]Item, 0, len(d.feed.Entries))
	for _, e := range d.feed.Entries {
		if e == nil {
			continue
		}
		title := strings.TrimSpace(e.Title)
		link := resolveLink(base, atomEntryURL(e))
		if title == "" || link == "" {
			continue
		}

		content := e.Summary
		if content == "" && e.Content != nil {
			content = e.Content.Value
		}

		out = append(out, Item{
			Title:        title,
			URL:          link,
			Content:      content,
			ThumbnailURL: resolveLink(base, atomThumbnail(e)),
			PublishedAt:  firstTime(dublinCoreDate(e.Extensions), e.PublishedParsed, e.UpdatedParsed),
		})
	}
	return out
}

// atomEntryURL prefers rel="alternate" (or a link without rel), then the
// first link, then an ID that is itself an absolute URL.
func atomEntryURL(e *atom.Entry) string {
	for _, l := range e.Links {
		if l != nil && (l.Rel == "" || l.Rel == "alternate") && l.Href != "" {
			return l.Href
		}
	}
	if len(e.Links) > 0 && e.Links[0] != nil && e.Links[0].Href != "" {
		return e.Links[0].Href
	}
	return guidURL(e.ID)
}

func atomThumbnail(e *atom.Entry) string {
	for _, l := range e.Links {
		if l != nil && l.Rel == "enclosure" && isImageEnclosure(l.Type, l.Href) {
			return l.Href
		}
	}
	if u := mediaThumbnail(e.Extensions); u != "" {
		return u
	}
	if u := extensionValue(e.Extensions, "hatena", "imageurl"); u != "" {
		return u
	}
	body := e.Summary
	if e.Content != nil {
		body += " " + e.Content.Value
	}
	return firstImageInHTML(body)
}

func guidURL(guid string) string {
	guid = strings.TrimSpace(guid)
	if strings.HasPrefix(guid, "http://") || strings.HasPrefix(guid, "https://") {
		return guid
	}
	return ""
}

// isImageEnclosure accepts a declared image/* type. When the type is
// missing or not a MIME type at all, the URL itself decides.
func isImageEnclosure(mimeType, rawURL string) bool {
	if rawURL == "" {
		return false
	}
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if strings.HasPrefix(mimeType, "image/") {
		return true
	}
	if mimeType != "" && strings.Contains(mimeType, "/") {
		return false
	}
	return looksLikeImageURL(rawURL)
}

func looksLikeImageURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if imageExtRegex.MatchString(path.Ext(u.Path)) {
		return true
	}
	for _, label := range strings.Split(strings.ToLower(u.Hostname()), ".") {
		if imageHostLabel[label] {
			return true
		}
	}
	return false
}

func mediaThumbnail(exts ext.Extensions) string {
	media, ok := exts["media"]
	if !ok {
		return ""
	}
	for _, t := range media["thumbnail"] {
		if u := t.Attrs["url"]; u != "" {
			return u
		}
	}
	if u := mediaImageContent(media["content"]); u != "" {
		return u
	}
	for _, g := range media["group"] {
		for _, t := range g.Children["thumbnail"] {
			if u := t.Attrs["url"]; u != "" {
				return u
			}
		}
		if u := mediaImageContent(g.Children["content"]); u != "" {
			return u
		}
	}
	return ""
}

func mediaImageContent(contents []ext.Extension) string {
	for _, c := range contents {
		u := c.Attrs["url"]
		if u == "" {
			continue
		}
		if c.Attrs["medium"] == "image" || isImageEnclosure(c.Attrs["type"], u) {
			return u
		}
	}
	return ""
}

func extensionValue(exts ext.Extensions, ns, name string) string {
	for _, e := range exts[ns][name] {
		if v := strings.TrimSpace(e.Value); v != "" {
			return v
		}
	}
	return ""
}

func dublinCoreDate(exts ext.Extensions) *time.Time {
	raw := extensionValue(exts, "dc", "date")
	if raw == "" {
		return nil
	}
	t, err := dateparse.ParseAny(raw)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

func firstTime(candidates ...*time.Time) *time.Time {
	for _, t := range candidates {
		if t != nil && !t.IsZero() {
			u := t.UTC()
			return &u
		}
	}
	return nil
}

func firstImageInHTML(html string) string {
	if m := imgSrcRegex.FindStringSubmatch(html); m != nil {
		return m[1]
	}
	return ""
}

// resolveLink makes ref absolute against base. Only http(s) results are
// returned.
func resolveLink(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if !u.IsAbs() {
		if base == nil {
			return ""
		}
		u = base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}
