package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/pders01/flum/internal/config"
	"github.com/pders01/flum/internal/debuglog"
	"github.com/pders01/flum/internal/textenc"
	"github.com/pders01/flum/internal/validation"
)

const (
	defaultUserAgent = "flum/1.0 (RSS reader)"
	defaultTimeout   = 10 * time.Second
	defaultMaxBytes  = 5 * 1024 * 1024

	acceptFeed = "application/rss+xml, application/atom+xml, application/xml, text/xml"
)

type Fetcher struct {
	client    *http.Client
	validator *validation.URLValidator
	userAgent string
	timeout   time.Duration
	maxBytes  int64
}

// NewFetcher builds a fetcher from the feed section of cfg. A nil
// validator selects the strict one unless private networks are allowed.
func NewFetcher(cfg *config.Config, validator *validation.URLValidator) *Fetcher {
	f := &Fetcher{
		userAgent: defaultUserAgent,
		timeout:   defaultTimeout,
		maxBytes:  defaultMaxBytes,
	}
	if cfg != nil {
		if cfg.Feed.UserAgent != "" {
			f.userAgent = cfg.Feed.UserAgent
		}
		if cfg.Feed.HTTPTimeout > 0 {
			f.timeout = cfg.Feed.HTTPTimeout
		}
		if cfg.Feed.MaxBodyBytes > 0 {
			f.maxBytes = cfg.Feed.MaxBodyBytes
		}
	}

	if validator == nil {
		if cfg != nil && cfg.Feed.AllowPrivateNetworks {
			validator = validation.NewPermissiveURLValidator()
		} else {
			validator = validation.NewURLValidator()
		}
	}
	f.validator = validator
	f.client = validator.NewHTTPClient(f.timeout)
	return f
}

// Fetch retrieves and normalizes the feed at rawURL. Every failure is a
// *FetchError whose message is safe to show to users.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, cond Conditional) (*Result, error) {
	u, err := f.validator.Check(ctx, rawURL)
	if err != nil {
		return nil, validationFailure(err)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, transportFailure(err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", acceptFeed)
	if cond.ETag != "" {
		req.Header.Set("If-None-Match", cond.ETag)
	}
	if cond.LastModified != "" {
		req.Header.Set("If-Modified-Since", cond.LastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		fe := transportFailure(err)
		debuglog.WithFields(map[string]any{"url": u.String(), "kind": fe.Kind.String()}).
			Debugf("feed request failed: %v", err)
		return nil, fe
	}
	defer resp.Body.Close()

	// a 304 only means something when we asked for revalidation
	if resp.StatusCode == http.StatusNotModified && !cond.Empty() {
		return &Result{
			NotModified:  true,
			ETag:         headerOr(resp, "ETag", cond.ETag),
			LastModified: headerOr(resp, "Last-Modified", cond.LastModified),
		}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusFailure(resp.StatusCode)
	}

	if resp.ContentLength > f.maxBytes {
		return nil, transportFailure(ErrTooLarge)
	}
	body, err := readLimited(resp.Body, f.maxBytes)
	if err != nil {
		fe := transportFailure(err)
		debuglog.WithFields(map[string]any{"url": u.String(), "kind": fe.Kind.String()}).
			Debugf("reading feed body: %v", err)
		return nil, fe
	}

	text, label, err := textenc.DecodeXML(body, resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, notAFeed(err)
	}

	parsed, err := normalize(text, u)
	if err != nil {
		debuglog.Debugf("parsing %s: %v", u.String(), err)
		return nil, notAFeed(err)
	}

	return &Result{
		Feed:         parsed,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		Encoding:     label,
	}, nil
}

// readLimited reads r to EOF and fails with ErrTooLarge as soon as more
// than limit bytes have arrived. The caller closes the body, which drops
// the connection.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, fmt.Errorf("read more than %s bytes: %w", strconv.FormatInt(limit, 10), ErrTooLarge)
	}
	return b, nil
}

func headerOr(resp *http.Response, key, fallback string) string {
	if v := resp.Header.Get(key); v != "" {
		return v
	}
	return fallback
}
