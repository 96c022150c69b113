package feed

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/japanese"

	"github.com/pders01/flum/internal/config"
	"github.com/pders01/flum/internal/validation"
)

const sampleRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>Example Feed</title>
    <link>https://example.com</link>
    <item>
      <title>First</title>
      <link>https://example.com/1</link>
      <description>first body</description>
      <pubDate>Mon, 02 Jan 2006 15:04:05 GMT</pubDate>
    </item>
    <item>
      <title>Second</title>
      <link>https://example.com/2</link>
    </item>
  </channel>
</rss>`

func newTestFetcher(t *testing.T) *Fetcher {
	t.Helper()
	return NewFetcher(config.TestConfig(), validation.NewPermissiveURLValidator())
}

type stubResolver map[string][]string

func (s stubResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	ips, ok := s[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	out := make([]net.IPAddr, 0, len(ips))
	for _, ip := range ips {
		out = append(out, net.IPAddr{IP: net.ParseIP(ip)})
	}
	return out, nil
}

type countingTransport struct {
	calls atomic.Int32
}

func (c *countingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	c.calls.Add(1)
	return nil, errors.New("network must not be reached")
}

func TestFetcher_Fetch(t *testing.T) {
	var gotUA, gotAccept string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotAccept = r.Header.Get("Accept")
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Last-Modified", "Mon, 02 Jan 2006 15:04:05 GMT")
		_, _ = io.WriteString(w, sampleRSS)
	}))
	defer server.Close()

	res, err := newTestFetcher(t).Fetch(context.Background(), server.URL, Conditional{})
	require.NoError(t, err)
	require.NotNil(t, res.Feed)

	assert.False(t, res.NotModified)
	assert.Equal(t, "Example Feed", res.Feed.Title)
	assert.Equal(t, `"v1"`, res.ETag)
	assert.Equal(t, "Mon, 02 Jan 2006 15:04:05 GMT", res.LastModified)
	assert.Equal(t, "utf-8", res.Encoding)

	require.Len(t, res.Feed.Items, 2)
	assert.Equal(t, "First", res.Feed.Items[0].Title)
	assert.Equal(t, "https://example.com/1", res.Feed.Items[0].URL)
	assert.Equal(t, "first body", res.Feed.Items[0].Content)
	require.NotNil(t, res.Feed.Items[0].PublishedAt)
	assert.Equal(t, 2006, res.Feed.Items[0].PublishedAt.Year())
	assert.Nil(t, res.Feed.Items[1].PublishedAt)

	assert.Equal(t, "flum-test/1.0", gotUA)
	assert.Contains(t, gotAccept, "application/rss+xml")
	assert.Contains(t, gotAccept, "application/atom+xml")
}

func TestFetcher_ConditionalRequest(t *testing.T) {
	var bodyServed atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` &&
			r.Header.Get("If-Modified-Since") == "Mon, 02 Jan 2006 15:04:05 GMT" {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		bodyServed.Store(true)
		_, _ = io.WriteString(w, sampleRSS)
	}))
	defer server.Close()

	cond := Conditional{ETag: `"v1"`, LastModified: "Mon, 02 Jan 2006 15:04:05 GMT"}
	res, err := newTestFetcher(t).Fetch(context.Background(), server.URL, cond)
	require.NoError(t, err)

	assert.True(t, res.NotModified)
	assert.Nil(t, res.Feed)
	assert.Equal(t, `"v1"`, res.ETag, "previous token is kept when the 304 carries none")
	assert.False(t, bodyServed.Load())
}

func TestFetcher_UnconditionalNotModifiedIsAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	}))
	defer server.Close()

	res, err := newTestFetcher(t).Fetch(context.Background(), server.URL, Conditional{})
	require.Error(t, err)
	assert.Nil(t, res)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindHTTPStatus, fe.Kind)
	assert.Equal(t, http.StatusNotModified, fe.Status)
}

func TestFetcher_HTTPStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := newTestFetcher(t).Fetch(context.Background(), server.URL, Conditional{})
	require.Error(t, err)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindHTTPStatus, fe.Kind)
	assert.Equal(t, http.StatusServiceUnavailable, fe.Status)
	assert.Equal(t, "the server returned an error (HTTP 503)", err.Error())
}

func TestFetcher_NotAFeed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "<html><head><title>hi</title></head><body>no feed</body></html>")
	}))
	defer server.Close()

	_, err := newTestFetcher(t).Fetch(context.Background(), server.URL, Conditional{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotAFeed)
	assert.Equal(t, "not a valid RSS/Atom feed", err.Error())
}

func TestFetcher_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	cfg := config.TestConfig()
	cfg.Feed.HTTPTimeout = 100 * time.Millisecond
	f := NewFetcher(cfg, validation.NewPermissiveURLValidator())

	_, err := f.Fetch(context.Background(), server.URL, Conditional{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, "the connection timed out", err.Error())
}

func TestFetcher_ConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	addr := server.URL
	server.Close()

	_, err := newTestFetcher(t).Fetch(context.Background(), addr, Conditional{})
	require.Error(t, err)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindConnection, fe.Kind)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.Equal(t, "could not connect", err.Error())
}

func TestFetcher_SizeCap(t *testing.T) {
	t.Run("streamed without content length", func(t *testing.T) {
		var written atomic.Int64
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/xml")
			flusher, _ := w.(http.Flusher)
			chunk := []byte(strings.Repeat("x", 64*1024))
			_, _ = io.WriteString(w, "<rss><channel><title>")
			for i := 0; i < 200; i++ {
				n, err := w.Write(chunk)
				written.Add(int64(n))
				if err != nil {
					return
				}
				if flusher != nil {
					flusher.Flush()
				}
			}
		}))
		defer server.Close()

		_, err := newTestFetcher(t).Fetch(context.Background(), server.URL, Conditional{})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTooLarge)
		assert.Equal(t, "the response is too large", err.Error())
	})

	t.Run("declared content length over cap", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Length", "6000000")
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		_, err := newTestFetcher(t).Fetch(context.Background(), server.URL, Conditional{})
		assert.ErrorIs(t, err, ErrTooLarge)
	})
}

// endlessReader yields 'a' forever and records how much was consumed.
type endlessReader struct {
	read int64
}

func (e *endlessReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 'a'
	}
	e.read += int64(len(p))
	return len(p), nil
}

func TestReadLimited(t *testing.T) {
	r := &endlessReader{}
	_, err := readLimited(r, 1024)
	require.ErrorIs(t, err, ErrTooLarge)
	assert.LessOrEqual(t, r.read, int64(1024+512), "reading stops right after the cap")

	b, err := readLimited(strings.NewReader("short"), 1024)
	require.NoError(t, err)
	assert.Equal(t, "short", string(b))

	b, err = readLimited(strings.NewReader("exact"), 5)
	require.NoError(t, err)
	assert.Equal(t, "exact", string(b))
}

func TestFetcher_ShiftJIS(t *testing.T) {
	const title = "日本語のニュース"
	const itemTitle = "東京で桜が開花"

	build := func(prolog string) []byte {
		doc := prolog + `<rss version="2.0"><channel><title>` + title + `</title>` +
			`<item><title>` + itemTitle + `</title><link>https://example.jp/a</link></item>` +
			`</channel></rss>`
		encoded, err := japanese.ShiftJIS.NewEncoder().String(doc)
		require.NoError(t, err)
		return []byte(encoded)
	}

	tests := []struct {
		name        string
		contentType string
		body        []byte
	}{
		{
			name:        "charset in content type",
			contentType: "application/rss+xml; charset=Shift_JIS",
			body:        build(`<?xml version="1.0"?>`),
		},
		{
			name:        "encoding in xml prolog only",
			contentType: "application/rss+xml",
			body:        build(`<?xml version="1.0" encoding="Shift_JIS"?>`),
		},
		{
			name:        "alias in prolog",
			contentType: "text/xml",
			body:        build(`<?xml version="1.0" encoding="x-sjis"?>`),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", tt.contentType)
				_, _ = w.Write(tt.body)
			}))
			defer server.Close()

			res, err := newTestFetcher(t).Fetch(context.Background(), server.URL, Conditional{})
			require.NoError(t, err)
			assert.Equal(t, "shift_jis", res.Encoding)
			assert.Equal(t, title, res.Feed.Title)
			require.Len(t, res.Feed.Items, 1)
			assert.Equal(t, itemTitle, res.Feed.Items[0].Title)
		})
	}
}

func TestFetcher_SSRFRejectedBeforeRequest(t *testing.T) {
	validator := validation.NewURLValidator()
	validator.Resolver = stubResolver{
		"intranet.example": {"10.0.0.5"},
		"loop.example":     {"127.0.0.1"},
		"public.example":   {"93.184.216.34"},
	}

	transport := &countingTransport{}
	f := NewFetcher(config.TestConfig(), validator)
	f.client = &http.Client{Transport: transport}

	tests := []struct {
		name string
		url  string
		kind ErrorKind
	}{
		{"loopback literal", "http://127.0.0.1/feed", KindAccessDenied},
		{"resolves to loopback", "http://loop.example/feed", KindAccessDenied},
		{"resolves to private", "http://intranet.example/feed", KindAccessDenied},
		{"metadata address", "http://169.254.169.254/latest/meta-data", KindAccessDenied},
		{"non-standard port", "https://public.example:8443/feed", KindAccessDenied},
		{"bad scheme", "ftp://public.example/feed", KindInvalidURL},
		{"not a url", "feed please", KindInvalidURL},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.Fetch(context.Background(), tt.url, Conditional{})
			require.Error(t, err)

			var fe *FetchError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, tt.kind, fe.Kind)
		})
	}

	assert.Equal(t, int32(0), transport.calls.Load(), "no request may leave the process")
}

func TestFetcher_PrivateAddressMessageIsGeneric(t *testing.T) {
	validator := validation.NewURLValidator()
	validator.Resolver = stubResolver{"intranet.example": {"10.0.0.5"}}
	f := NewFetcher(config.TestConfig(), validator)
	f.client = &http.Client{Transport: &countingTransport{}}

	_, err := f.Fetch(context.Background(), "https://intranet.example/rss", Conditional{})
	require.Error(t, err)
	assert.Equal(t, validation.MsgAccessDenied, err.Error())
	assert.NotContains(t, err.Error(), "10.0.0.5")
}

func TestFetcher_RelativeItemLinks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `<rss version="2.0"><channel><title>t</title>
<item><title>rel</title><link>/posts/1</link></item></channel></rss>`)
	}))
	defer server.Close()

	res, err := newTestFetcher(t).Fetch(context.Background(), server.URL+"/feed.xml", Conditional{})
	require.NoError(t, err)
	require.Len(t, res.Feed.Items, 1)
	assert.Equal(t, server.URL+"/posts/1", res.Feed.Items[0].URL)
}

func TestNewFetcher_Defaults(t *testing.T) {
	f := NewFetcher(nil, nil)
	assert.Equal(t, defaultUserAgent, f.userAgent)
	assert.Equal(t, defaultTimeout, f.timeout)
	assert.Equal(t, int64(defaultMaxBytes), f.maxBytes)
	assert.False(t, f.validator.AllowPrivateIPs)

	cfg := config.TestConfig()
	f = NewFetcher(cfg, nil)
	assert.True(t, f.validator.AllowPrivateIPs)
}
