package preview

import (
	"io"
	"mime"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/charset"
)

// metadata 是从页面提取出的展示字段。
type metadata struct {
	Title       string
	Description string
	Image       string
	SiteName    string
}

// extractMetadata reads OpenGraph, Twitter card and plain HTML tags, in that
// order of preference. Non-HTML bodies get a title from the URL path.
func extractMetadata(page *url.URL, contentType string, body io.Reader) (metadata, error) {
	md := metadata{SiteName: page.Hostname()}

	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType != "" && mediaType != "text/html" && mediaType != "application/xhtml+xml" {
		md.Title = path.Base(page.Path)
		if md.Title == "/" || md.Title == "." {
			md.Title = page.Hostname()
		}
		if strings.HasPrefix(mediaType, "image/") {
			md.Image = page.String()
		}
		return md, nil
	}

	utf8Body, err := charset.NewReader(body, contentType)
	if err != nil {
		return md, err
	}
	doc, err := goquery.NewDocumentFromReader(utf8Body)
	if err != nil {
		return md, err
	}

	meta := func(attr, key string) string {
		var val string
		doc.Find("meta").EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if k, _ := s.Attr(attr); strings.EqualFold(k, key) {
				val = strings.TrimSpace(s.AttrOr("content", ""))
				return val == ""
			}
			return true
		})
		return val
	}

	md.Title = firstNonEmpty(
		meta("property", "og:title"),
		meta("name", "twitter:title"),
		strings.TrimSpace(doc.Find("title").First().Text()),
	)
	md.Description = firstNonEmpty(
		meta("property", "og:description"),
		meta("name", "twitter:description"),
		meta("name", "description"),
	)
	md.Image = resolve(page, firstNonEmpty(
		meta("property", "og:image"),
		meta("property", "og:image:url"),
		meta("name", "twitter:image"),
	))
	if site := meta("property", "og:site_name"); site != "" {
		md.SiteName = site
	}
	return md, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func resolve(base *url.URL, ref string) string {
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return base.ResolveReference(u).String()
}
