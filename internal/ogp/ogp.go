// Package ogp reads Open Graph metadata from the <head> of article pages.
// It is best-effort: any failure produces an empty Data.
package ogp

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/sync/errgroup"

	"github.com/pders01/flum/internal/config"
	"github.com/pders01/flum/internal/debuglog"
	"github.com/pders01/flum/internal/textenc"
	"github.com/pders01/flum/internal/validation"
)

const (
	defaultTimeout     = 3 * time.Second
	defaultMaxBytes    = 500 * 1024
	defaultConcurrency = 8
	defaultUserAgent   = "flum/1.0 (RSS reader)"

	chunkSize = 4096
	headClose = "</head>"
)

var errTooLarge = errors.New("head exceeds byte cap")

// Data is the enrichment for one article. Either field may be empty.
type Data struct {
	Image       string `json:"image,omitempty"`
	Description string `json:"description,omitempty"`
}

type Client struct {
	client      *http.Client
	validator   *validation.URLValidator
	userAgent   string
	timeout     time.Duration
	maxBytes    int64
	concurrency int
}

func NewClient(cfg *config.Config, validator *validation.URLValidator) *Client {
	c := &Client{
		userAgent:   defaultUserAgent,
		timeout:     defaultTimeout,
		maxBytes:    defaultMaxBytes,
		concurrency: defaultConcurrency,
	}
	if cfg != nil {
		if cfg.Feed.UserAgent != "" {
			c.userAgent = cfg.Feed.UserAgent
		}
		if cfg.OGP.Timeout > 0 {
			c.timeout = cfg.OGP.Timeout
		}
		if cfg.OGP.MaxBytes > 0 {
			c.maxBytes = cfg.OGP.MaxBytes
		}
		if cfg.OGP.Concurrency > 0 {
			c.concurrency = cfg.OGP.Concurrency
		}
	}

	if validator == nil {
		if cfg != nil && cfg.Feed.AllowPrivateNetworks {
			validator = validation.NewPermissiveURLValidator()
		} else {
			validator = validation.NewURLValidator()
		}
	}
	c.validator = validator
	c.client = validator.NewHTTPClient(c.timeout)
	return c
}

// Fetch returns the Open Graph image and description of the page at
// rawURL. It never fails; problems are logged and yield an empty Data.
func (c *Client) Fetch(ctx context.Context, rawURL string) Data {
	data, err := c.fetch(ctx, rawURL)
	if err != nil {
		debuglog.WithFields(map[string]any{"url": rawURL}).Debugf("ogp fetch failed: %v", err)
		return Data{}
	}
	return data
}

// FetchBatch enriches urls in sequential waves of at most the configured
// concurrency. Only results that carry an image are returned.
func (c *Client) FetchBatch(ctx context.Context, urls []string) map[string]Data {
	out := make(map[string]Data)
	unique := dedupe(urls)

	for start := 0; start < len(unique); start += c.concurrency {
		if ctx.Err() != nil {
			break
		}
		end := min(start+c.concurrency, len(unique))
		wave := unique[start:end]
		results := make([]Data, len(wave))

		var g errgroup.Group
		for i, u := range wave {
			g.Go(func() error {
				results[i] = c.Fetch(ctx, u)
				return nil
			})
		}
		_ = g.Wait()

		for i, u := range wave {
			if results[i].Image != "" {
				out[u] = results[i]
			}
		}
	}
	return out
}

func (c *Client) fetch(ctx context.Context, rawURL string) (Data, error) {
	u, err := c.validator.Check(ctx, rawURL)
	if err != nil {
		return Data{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Data{}, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := c.client.Do(req)
	if err != nil {
		return Data{}, err
	}
	// Closing before EOF drops the connection, which is what stops the
	// transfer once the head has been seen.
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Data{}, errors.New(resp.Status)
	}

	head, err := readHead(resp.Body, c.maxBytes)
	if err != nil {
		return Data{}, err
	}

	text, err := textenc.DecodeHTML(head, resp.Header.Get("Content-Type"), textenc.ASCIIView(head, 0))
	if err != nil {
		return Data{}, err
	}

	data := parseMeta(strings.NewReader(text))
	data.Image = absolute(u, data.Image)
	return data, nil
}

// readHead reads r until a case-insensitive </head> appears or the page
// ends. More than limit bytes without a </head> is errTooLarge.
func readHead(r io.Reader, limit int64) ([]byte, error) {
	buf := make([]byte, 0, chunkSize)
	chunk := make([]byte, chunkSize)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			// re-scan a few bytes so a marker split across reads is found
			from := max(0, len(buf)-len(headClose)+1)
			buf = append(buf, chunk[:n]...)
			if strings.Contains(strings.ToLower(textenc.ASCIIView(buf[from:], 0)), headClose) {
				return buf, nil
			}
			if int64(len(buf)) > limit {
				return nil, errTooLarge
			}
		}
		if errors.Is(err, io.EOF) {
			return buf, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// parseMeta collects og:* and twitter:* values from <meta> tags in the
// head. Attribute order does not matter.
func parseMeta(r io.Reader) Data {
	found := make(map[string]string)
	z := html.NewTokenizer(r)

scan:
	for {
		switch z.Next() {
		case html.ErrorToken:
			break scan
		case html.EndTagToken:
			if name, _ := z.TagName(); atom.Lookup(name) == atom.Head {
				break scan
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			switch atom.Lookup(name) {
			case atom.Body:
				break scan
			case atom.Meta:
				if !hasAttr {
					continue
				}
				key, content := metaAttrs(z)
				if key == "" || content == "" {
					continue
				}
				if _, ok := found[key]; !ok {
					found[key] = content
				}
			}
		}
	}

	return Data{
		Image:       firstOf(found["og:image"], found["og:image:url"], found["twitter:image"], found["twitter:image:src"]),
		Description: firstOf(found["og:description"], found["twitter:description"]),
	}
}

func metaAttrs(z *html.Tokenizer) (key, content string) {
	for {
		k, v, more := z.TagAttr()
		switch string(k) {
		case "property", "name":
			if key == "" {
				key = strings.ToLower(strings.TrimSpace(string(v)))
			}
		case "content":
			content = strings.TrimSpace(string(v))
		}
		if !more {
			return key, content
		}
	}
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func absolute(base *url.URL, ref string) string {
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	u = base.ResolveReference(u)
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}

func dedupe(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
