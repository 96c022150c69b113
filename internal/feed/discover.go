package feed

import (
	"context"
	"io"
	"net/http"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const acceptHTML = "text/html, application/xhtml+xml"

var feedLinkTypes = map[string]bool{
	"application/rss+xml":  true,
	"application/atom+xml": true,
}

// Discover looks for a <link rel="alternate"> feed reference in the head of
// the HTML page at pageURL. It returns "" with a nil error when the page
// declares no feed. Only the <head> region is read.
func (f *Fetcher) Discover(ctx context.Context, pageURL string) (string, error) {
	u, err := f.validator.Check(ctx, pageURL)
	if err != nil {
		return "", validationFailure(err)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", transportFailure(err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", acceptHTML)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", transportFailure(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", statusFailure(resp.StatusCode)
	}
	if resp.ContentLength > f.maxBytes {
		return "", transportFailure(ErrTooLarge)
	}

	href := findFeedLink(io.LimitReader(resp.Body, f.maxBytes))
	if href == "" {
		return "", nil
	}
	return resolveLink(u, href), nil
}

// findFeedLink tokenizes r until the end of <head> and returns the href of
// the first alternate RSS or Atom link.
func findFeedLink(r io.Reader) string {
	z := html.NewTokenizer(r)
	for {
		switch z.Next() {
		case html.ErrorToken:
			return ""
		case html.EndTagToken:
			name, _ := z.TagName()
			if atom.Lookup(name) == atom.Head {
				return ""
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			switch atom.Lookup(name) {
			case atom.Body:
				return ""
			case atom.Link:
				if !hasAttr {
					continue
				}
				if href := alternateFeedHref(z); href != "" {
					return href
				}
			}
		}
	}
}

func alternateFeedHref(z *html.Tokenizer) string {
	var rel, typ, href string
	for {
		key, val, more := z.TagAttr()
		switch strings.ToLower(string(key)) {
		case "rel":
			rel = strings.ToLower(string(val))
		case "type":
			typ = strings.ToLower(strings.TrimSpace(string(val)))
		case "href":
			href = strings.TrimSpace(string(val))
		}
		if !more {
			break
		}
	}

	if href == "" || !feedLinkTypes[typ] {
		return ""
	}
	for _, token := range strings.Fields(rel) {
		if token == "alternate" {
			return href
		}
	}
	return ""
}
