package feed

import "time"

// Item is the format-independent shape every RSS, RDF and Atom entry is
// reduced to. Title and URL are always set; URL is the item's identity.
type Item struct {
	Title        string     `json:"title"`
	URL          string     `json:"url"`
	Content      string     `json:"content,omitempty"`
	ThumbnailURL string     `json:"thumbnail_url,omitempty"`
	PublishedAt  *time.Time `json:"published_at,omitempty"`
}

// Feed is a parsed and normalized feed document.
type Feed struct {
	Title string
	Items []Item
}

// Conditional carries the revalidation tokens from the previous fetch.
type Conditional struct {
	ETag         string
	LastModified string
}

// Empty reports whether no token is set.
func (c Conditional) Empty() bool {
	return c.ETag == "" && c.LastModified == ""
}

// Result is a successful fetch. When NotModified is set, Feed is nil and
// no body was read.
type Result struct {
	NotModified  bool
	Feed         *Feed
	ETag         string
	LastModified string
	Encoding     string
}
