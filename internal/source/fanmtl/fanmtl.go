// Package fanmtl parses novel pages served by fanmtl.com.
package fanmtl

import (
	"bytes"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/novel-batch-crawler/internal/crawler"
	"github.com/JakeFAU/novel-batch-crawler/internal/source"
)

// Hosts served by this parser.
var Hosts = []string{"fanmtl.com"}

const (
	selTitle      = ".novel-info h1.novel-title"
	selCover      = ".fixed-img img"
	selCoverAlt   = ".novel-cover img"
	selAuthor     = `.novel-info .author span[itemprop="author"]`
	selSummary    = ".summary .content"
	selPagination = `.pagination a[data-ajax-update="#chpagedlist"]`
	selChapterUL  = "ul.chapter-list"
	selChapterA   = "ul.chapter-list li a"
	selChapterT   = ".chapter-title"
	selBody       = "#chapter-article .chapter-content"
	selBodyJunk   = `script, style, ins, div[align="center"]`
)

// Source implements crawler.Source for FanMTL.
type Source struct{}

// New returns a FanMTL Source.
func New() crawler.Source {
	return Source{}
}

// Register adds the FanMTL hosts to reg.
func Register(reg *source.Registry) error {
	if err := reg.Register(Hosts, New); err != nil {
		return fmt.Errorf("register fanmtl: %w", err)
	}
	return nil
}

// Name identifies the source in logs.
func (Source) Name() string {
	return "fanmtl"
}

// ParseMetadata extracts title, cover, author, and synopsis. A missing title
// means the page is not a novel page in the expected layout.
func (Source) ParseMetadata(pageURL string, body []byte) (crawler.Metadata, error) {
	doc, err := parse(body)
	if err != nil {
		return crawler.Metadata{}, err
	}
	title := strings.TrimSpace(doc.Find(selTitle).First().Text())
	if title == "" {
		return crawler.Metadata{}, fmt.Errorf("%w: title not found", crawler.ErrLayoutChanged)
	}
	meta := crawler.Metadata{
		Title:     title,
		Author:    "Unknown",
		SourceURL: pageURL,
		Language:  "en",
	}

	img := doc.Find(selCover).First()
	if img.Length() == 0 {
		img = doc.Find(selCoverAlt).First()
	}
	if src := firstAttr(img, "src", "data-src"); src != "" {
		meta.CoverURL = crawler.ResolveReference(pageURL, src)
	}

	if author := strings.TrimSpace(doc.Find(selAuthor).First().Text()); len(author) > 1 && !strings.Contains(author, "http") {
		meta.Author = author
	}

	meta.Synopsis = paragraphs(doc.Find(selSummary).First())
	return meta, nil
}

// TocPages expands the chapter-list pagination into one URL per page. The
// last pagination link carries the highest zero-based page index and the
// wjm token every page request must repeat. Missing or malformed parameters
// yield nil so the novel page itself is parsed as the only page.
func (Source) TocPages(pageURL string, body []byte) []string {
	doc, err := parse(body)
	if err != nil {
		return nil
	}
	links := doc.Find(selPagination)
	if links.Length() == 0 {
		return nil
	}
	href, ok := links.Last().Attr("href")
	if !ok || strings.TrimSpace(href) == "" {
		return nil
	}
	last, err := url.Parse(crawler.ResolveReference(pageURL, href))
	if err != nil {
		return nil
	}
	params := last.Query()
	lastPage, err := strconv.Atoi(params.Get("page"))
	if err != nil || lastPage < 0 {
		return nil
	}
	wjm := params.Get("wjm")

	base := *last
	base.RawQuery = ""
	base.Fragment = ""
	pages := make([]string, 0, lastPage+1)
	for page := 0; page <= lastPage; page++ {
		q := url.Values{}
		q.Set("page", strconv.Itoa(page))
		q.Set("wjm", wjm)
		u := base
		u.RawQuery = q.Encode()
		pages = append(pages, u.String())
	}
	return pages
}

// ParseToc lists chapter links in page order. EmptyMarker reports whether
// the chapter-list container was present at all.
func (Source) ParseToc(pageURL string, body []byte) (crawler.TocPage, error) {
	doc, err := parse(body)
	if err != nil {
		return crawler.TocPage{}, err
	}
	page := crawler.TocPage{EmptyMarker: doc.Find(selChapterUL).Length() > 0}
	doc.Find(selChapterA).Each(func(_ int, a *goquery.Selection) {
		href, ok := a.Attr("href")
		if !ok || strings.TrimSpace(href) == "" {
			return
		}
		title := strings.TrimSpace(a.Find(selChapterT).First().Text())
		if title == "" {
			title = strings.TrimSpace(a.Text())
		}
		page.Entries = append(page.Entries, crawler.TocEntry{
			Title: title,
			URL:   crawler.ResolveReference(pageURL, href),
		})
	})
	return page, nil
}

// ParseChapter returns the chapter text with paragraphs separated by blank lines.
func (Source) ParseChapter(_ string, body []byte) (string, error) {
	doc, err := parse(body)
	if err != nil {
		return "", err
	}
	content := doc.Find(selBody).First()
	if content.Length() == 0 {
		return "", fmt.Errorf("%w: chapter content not found", crawler.ErrLayoutChanged)
	}
	content.Find(selBodyJunk).Remove()
	return paragraphs(content), nil
}

func parse(body []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

func paragraphs(sel *goquery.Selection) string {
	if sel.Length() == 0 {
		return ""
	}
	var parts []string
	sel.Find("p").Each(func(_ int, p *goquery.Selection) {
		if text := strings.TrimSpace(p.Text()); text != "" {
			parts = append(parts, text)
		}
	})
	if len(parts) == 0 {
		return strings.TrimSpace(sel.Text())
	}
	return strings.Join(parts, "\n\n")
}

func firstAttr(sel *goquery.Selection, names ...string) string {
	for _, name := range names {
		if v, ok := sel.Attr(name); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
