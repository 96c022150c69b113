// Package textenc detects and decodes the character encoding of fetched
// documents. Detection order is always: Content-Type charset, then the
// in-document declaration, then UTF-8.
package textenc

import (
	"bytes"
	"fmt"
	"mime"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

// UTF8 is the canonical name of the fallback encoding.
const UTF8 = "utf-8"

// sniffLen bounds how much of a document is inspected for a declaration.
const sniffLen = 1024

var (
	contentTypeCharset = regexp.MustCompile(`(?i)charset\s*=\s*["']?([^\s;"']+)`)
	xmlDeclEncoding    = regexp.MustCompile(`(?i)^\s*<\?xml[^>]*?\bencoding\s*=\s*["']([^"']+)["']`)
	xmlDeclRewrite     = regexp.MustCompile(`(?i)^(\s*<\?xml[^>]*?\bencoding\s*=\s*["'])([^"']+)(["'])`)
	metaCharset        = regexp.MustCompile(`(?i)<meta\s+charset\s*=\s*["']?([^"'\s/>]+)`)
	metaHTTPEquiv      = regexp.MustCompile(`(?i)<meta[^>]+content\s*=\s*["'][^"']*charset=([^\s;"']+)`)
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Normalize maps common aliases to canonical decoder names.
func Normalize(label string) string {
	label = strings.ToLower(strings.TrimSpace(label))
	compact := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return -1
	}, label)

	switch compact {
	case "":
		return ""
	case "utf8":
		return UTF8
	case "shiftjis", "sjis", "xsjis", "mskanji", "windows31j", "cp932":
		return "shift_jis"
	case "eucjp", "xeucjp":
		return "euc-jp"
	case "iso2022jp", "csiso2022jp":
		return "iso-2022-jp"
	}
	return label
}

// FromContentType extracts the charset parameter of a Content-Type header.
func FromContentType(contentType string) string {
	if contentType == "" {
		return ""
	}
	if _, params, err := mime.ParseMediaType(contentType); err == nil {
		if cs := params["charset"]; cs != "" {
			return Normalize(cs)
		}
		return ""
	}
	if m := contentTypeCharset.FindStringSubmatch(contentType); m != nil {
		return Normalize(m[1])
	}
	return ""
}

// ASCIIView returns the leading bytes of b with every non-ASCII byte
// replaced, so declarations can be read before the encoding is known.
func ASCIIView(b []byte, limit int) string {
	if limit > 0 && len(b) > limit {
		b = b[:limit]
	}
	b = bytes.TrimPrefix(b, utf8BOM)
	out := make([]byte, len(b))
	for i, c := range b {
		if c >= utf8.RuneSelf {
			c = '?'
		}
		out[i] = c
	}
	return string(out)
}

// XMLDeclared returns the encoding attribute of an XML prolog, if any.
func XMLDeclared(b []byte) string {
	if m := xmlDeclEncoding.FindStringSubmatch(ASCIIView(b, sniffLen)); m != nil {
		return Normalize(m[1])
	}
	return ""
}

// HTMLDeclared returns the charset from <meta charset> or a
// <meta http-equiv="Content-Type"> content attribute.
func HTMLDeclared(asciiHead string) string {
	if m := metaCharset.FindStringSubmatch(asciiHead); m != nil {
		return Normalize(m[1])
	}
	if m := metaHTTPEquiv.FindStringSubmatch(asciiHead); m != nil {
		return Normalize(m[1])
	}
	return ""
}

// Lookup resolves a label to a decoder. Unknown labels fall back to UTF-8.
func Lookup(label string) (encoding.Encoding, string) {
	label = Normalize(label)
	if label == "" || label == UTF8 {
		return nil, UTF8
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, UTF8
	}
	name, err := htmlindex.Name(enc)
	if err != nil || name == UTF8 {
		return nil, UTF8
	}
	return enc, name
}

// Decode converts b from the named encoding to a UTF-8 string.
func Decode(b []byte, label string) (string, error) {
	enc, _ := Lookup(label)
	if enc == nil {
		return strings.ToValidUTF8(string(bytes.TrimPrefix(b, utf8BOM)), "�"), nil
	}
	out, err := enc.NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("decoding %s: %w", label, err)
	}
	return string(out), nil
}

// DecodeXML decodes a feed body. The XML prolog is rewritten to declare
// UTF-8 so downstream XML parsers do not transcode a second time.
func DecodeXML(b []byte, contentType string) (text, label string, err error) {
	label = FromContentType(contentType)
	if label == "" {
		label = XMLDeclared(b)
	}
	if label == "" {
		label = UTF8
	}

	text, err = Decode(b, label)
	if err != nil {
		return "", label, err
	}
	return RewriteXMLDeclaration(text), label, nil
}

// DecodeHTML decodes an HTML fragment using the header charset, then any
// <meta> declaration found in asciiHead.
func DecodeHTML(b []byte, contentType, asciiHead string) (string, error) {
	label := FromContentType(contentType)
	if label == "" {
		label = HTMLDeclared(asciiHead)
	}
	return Decode(b, label)
}

// RewriteXMLDeclaration replaces the encoding attribute of a leading XML
// declaration with UTF-8.
func RewriteXMLDeclaration(text string) string {
	loc := xmlDeclRewrite.FindStringSubmatchIndex(text)
	if loc == nil {
		return text
	}
	return text[:loc[4]] + "UTF-8" + text[loc[5]:]
}
