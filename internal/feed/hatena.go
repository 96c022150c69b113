package feed

import (
	"html"
	"regexp"
	"strings"
)

// Hatena Bookmark feeds carry the entry image in <hatena:imageurl>. When
// the namespace is not bound in the document the XML parser drops the
// element, so this pass reads it from the raw text instead. It only fills
// thumbnails the parser left empty.

var (
	rawItemRegex    = regexp.MustCompile(`(?is)<item\b([^>]*)>(.*?)</item>`)
	rawLinkRegex    = regexp.MustCompile(`(?is)<link>\s*(?:<!\[CDATA\[)?\s*([^<\]]+?)\s*(?:\]\]>)?\s*</link>`)
	rawImageRegex   = regexp.MustCompile(`(?is)<hatena:imageurl>\s*(?:<!\[CDATA\[)?\s*([^<\]]+?)\s*(?:\]\]>)?\s*</hatena:imageurl>`)
	rawRDFAboutAttr = regexp.MustCompile(`(?i)\brdf:about\s*=\s*["']([^"']+)["']`)
)

// scrapeHatenaImages maps item link to image URL. For RDF documents the
// item is keyed by its rdf:about attribute, falling back to <link>.
func scrapeHatenaImages(raw string, rdf bool) map[string]string {
	if !strings.Contains(raw, "hatena:imageurl") {
		return nil
	}

	images := make(map[string]string)
	for _, m := range rawItemRegex.FindAllStringSubmatch(raw, -1) {
		attrs, body := m[1], m[2]

		img := rawImageRegex.FindStringSubmatch(body)
		if img == nil {
			continue
		}

		var key string
		if rdf {
			if about := rawRDFAboutAttr.FindStringSubmatch(attrs); about != nil {
				key = about[1]
			}
		}
		if key == "" {
			if link := rawLinkRegex.FindStringSubmatch(body); link != nil {
				key = link[1]
			}
		}
		if key == "" {
			continue
		}

		key = html.UnescapeString(strings.TrimSpace(key))
		if _, seen := images[key]; !seen {
			images[key] = html.UnescapeString(strings.TrimSpace(img[1]))
		}
	}
	return images
}

func applyHatenaImages(items []Item, raw string, rdf bool) {
	images := scrapeHatenaImages(raw, rdf)
	if len(images) == 0 {
		return
	}
	for i := range items {
		if items[i].ThumbnailURL != "" {
			continue
		}
		if img, ok := images[items[i].URL]; ok {
			items[i].ThumbnailURL = img
		}
	}
}
