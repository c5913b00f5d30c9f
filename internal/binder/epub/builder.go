// Package epub binds fetched chapters into an EPUB 3 container.
package epub

import (
	"archive/zip"
	"fmt"
	"io"
	"time"

	"github.com/JakeFAU/novel-batch-crawler/internal/crawler"
)

type section struct {
	ID    string
	Title string
	Body  string
}

type builder struct {
	identifier string
	meta       crawler.Metadata
	modified   time.Time
	sections   []section
	coverFile  string
}

var coverExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

func newBuilder(identifier string, meta crawler.Metadata, chapters []crawler.Chapter, modified time.Time) *builder {
	b := &builder{identifier: identifier, meta: meta, modified: modified}
	if c := meta.Cover; c != nil && len(c.Data) > 0 {
		if ext, ok := coverExtensions[c.MediaType]; ok {
			b.coverFile = "images/cover" + ext
		}
	}
	if meta.Synopsis != "" {
		b.sections = append(b.sections, section{ID: "intro", Title: "Synopsis", Body: meta.Synopsis})
	}
	for _, ch := range chapters {
		title := ch.Title
		if title == "" {
			title = fmt.Sprintf("Chapter %d", ch.Sequence)
		}
		b.sections = append(b.sections, section{
			ID:    fmt.Sprintf("ch_%05d", ch.Sequence),
			Title: title,
			Body:  ch.Body,
		})
	}
	return b
}

// writeTo writes the container. The mimetype entry must come first and be
// stored uncompressed.
func (b *builder) writeTo(w io.Writer) error {
	zw := zip.NewWriter(w)

	mt, err := zw.CreateHeader(&zip.FileHeader{Name: "mimetype", Method: zip.Store})
	if err != nil {
		return fmt.Errorf("create mimetype: %w", err)
	}
	if _, err := mt.Write([]byte("application/epub+zip")); err != nil {
		return fmt.Errorf("write mimetype: %w", err)
	}

	files := []struct {
		name    string
		content string
	}{
		{"META-INF/container.xml", containerXML},
		{"OEBPS/content.opf", b.packageDocument()},
		{"OEBPS/nav.xhtml", b.navigation()},
		{"OEBPS/toc.ncx", b.ncx()},
		{"OEBPS/styles/style.css", stylesheet},
	}
	if b.coverFile != "" {
		files = append(files, struct {
			name    string
			content string
		}{"OEBPS/cover.xhtml", b.coverPage()})
	}
	for _, s := range b.sections {
		files = append(files, struct {
			name    string
			content string
		}{"OEBPS/chapters/" + s.ID + ".xhtml", sectionXHTML(s)})
	}

	for _, f := range files {
		if err := writeEntry(zw, f.name, []byte(f.content)); err != nil {
			return err
		}
	}
	if b.coverFile != "" {
		if err := writeEntry(zw, "OEBPS/"+b.coverFile, b.meta.Cover.Data); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close epub: %w", err)
	}
	return nil
}

func writeEntry(zw *zip.Writer, name string, data []byte) error {
	fw, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	if _, err := fw.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

const containerXML = `<?xml version="1.0" encoding="UTF-8"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles>
    <rootfile full-path="OEBPS/content.opf" media-type="application/oebps-package+xml"/>
  </rootfiles>
</container>`

const stylesheet = `body {
  font-family: Georgia, "Times New Roman", serif;
  line-height: 1.6;
  margin: 1em;
}

h1 {
  font-size: 1.5em;
  text-align: center;
  margin: 2em 0 1em;
}

p {
  margin: 0.5em 0;
  text-indent: 1.5em;
}
`
