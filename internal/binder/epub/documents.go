package epub

import (
	"fmt"
	"strings"
)

func (b *builder) packageDocument() string {
	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<package xmlns="http://www.idpf.org/2007/opf" version="3.0" unique-identifier="pub-id">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/">
`)
	fmt.Fprintf(&sb, "    <dc:identifier id=\"pub-id\">%s</dc:identifier>\n", escapeXML(b.identifier))
	fmt.Fprintf(&sb, "    <dc:title>%s</dc:title>\n", escapeXML(b.meta.Title))
	fmt.Fprintf(&sb, "    <dc:creator>%s</dc:creator>\n", escapeXML(b.meta.Author))
	lang := b.meta.Language
	if lang == "" {
		lang = "en"
	}
	fmt.Fprintf(&sb, "    <dc:language>%s</dc:language>\n", escapeXML(lang))
	if b.meta.SourceURL != "" {
		fmt.Fprintf(&sb, "    <dc:source>%s</dc:source>\n", escapeXML(b.meta.SourceURL))
	}
	fmt.Fprintf(&sb, "    <meta property=\"dcterms:modified\">%s</meta>\n",
		b.modified.UTC().Format("2006-01-02T15:04:05Z"))
	if b.coverFile != "" {
		sb.WriteString("    <meta name=\"cover\" content=\"cover-image\"/>\n")
	}
	sb.WriteString("  </metadata>\n  <manifest>\n")
	sb.WriteString("    <item id=\"nav\" href=\"nav.xhtml\" media-type=\"application/xhtml+xml\" properties=\"nav\"/>\n")
	sb.WriteString("    <item id=\"ncx\" href=\"toc.ncx\" media-type=\"application/x-dtbncx+xml\"/>\n")
	sb.WriteString("    <item id=\"style\" href=\"styles/style.css\" media-type=\"text/css\"/>\n")
	if b.coverFile != "" {
		fmt.Fprintf(&sb, "    <item id=\"cover-image\" href=\"%s\" media-type=\"%s\" properties=\"cover-image\"/>\n",
			b.coverFile, b.meta.Cover.MediaType)
		sb.WriteString("    <item id=\"cover\" href=\"cover.xhtml\" media-type=\"application/xhtml+xml\"/>\n")
	}
	for _, s := range b.sections {
		fmt.Fprintf(&sb, "    <item id=\"%s\" href=\"chapters/%s.xhtml\" media-type=\"application/xhtml+xml\"/>\n", s.ID, s.ID)
	}
	sb.WriteString("  </manifest>\n  <spine toc=\"ncx\">\n")
	if b.coverFile != "" {
		sb.WriteString("    <itemref idref=\"cover\"/>\n")
	}
	for _, s := range b.sections {
		fmt.Fprintf(&sb, "    <itemref idref=\"%s\"/>\n", s.ID)
	}
	sb.WriteString("  </spine>\n</package>\n")
	return sb.String()
}

func (b *builder) navigation() string {
	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE html>
<html xmlns="http://www.w3.org/1999/xhtml" xmlns:epub="http://www.idpf.org/2007/ops">
<head><title>`)
	sb.WriteString(escapeXML(b.meta.Title))
	sb.WriteString(`</title></head>
<body>
  <nav epub:type="toc" id="toc">
    <h1>Contents</h1>
    <ol>
`)
	for _, s := range b.sections {
		fmt.Fprintf(&sb, "      <li><a href=\"chapters/%s.xhtml\">%s</a></li>\n", s.ID, escapeXML(s.Title))
	}
	sb.WriteString("    </ol>\n  </nav>\n</body>\n</html>\n")
	return sb.String()
}

func (b *builder) ncx() string {
	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<ncx xmlns="http://www.daisy.org/z3986/2005/ncx/" version="2005-1">
  <head>
`)
	fmt.Fprintf(&sb, "    <meta name=\"dtb:uid\" content=\"%s\"/>\n", escapeXML(b.identifier))
	sb.WriteString("  </head>\n")
	fmt.Fprintf(&sb, "  <docTitle><text>%s</text></docTitle>\n  <navMap>\n", escapeXML(b.meta.Title))
	for i, s := range b.sections {
		fmt.Fprintf(&sb, "    <navPoint id=\"np-%d\" playOrder=\"%d\">\n", i+1, i+1)
		fmt.Fprintf(&sb, "      <navLabel><text>%s</text></navLabel>\n", escapeXML(s.Title))
		fmt.Fprintf(&sb, "      <content src=\"chapters/%s.xhtml\"/>\n    </navPoint>\n", s.ID)
	}
	sb.WriteString("  </navMap>\n</ncx>\n")
	return sb.String()
}

func (b *builder) coverPage() string {
	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE html>
<html xmlns="http://www.w3.org/1999/xhtml" xmlns:epub="http://www.idpf.org/2007/ops">
<head>
  <title>Cover</title>
  <style type="text/css">body { margin: 0; text-align: center; } img { max-width: 100%; max-height: 100%; }</style>
</head>
<body epub:type="cover">
`)
	fmt.Fprintf(&sb, "<img src=\"%s\" alt=\"%s\"/>\n", b.coverFile, escapeXML(b.meta.Title))
	sb.WriteString("</body>\n</html>\n")
	return sb.String()
}

func sectionXHTML(s section) string {
	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE html>
<html xmlns="http://www.w3.org/1999/xhtml">
<head>
  <title>`)
	sb.WriteString(escapeXML(s.Title))
	sb.WriteString(`</title>
  <link rel="stylesheet" type="text/css" href="../styles/style.css"/>
</head>
<body>
`)
	fmt.Fprintf(&sb, "<h1>%s</h1>\n", escapeXML(s.Title))
	for _, para := range strings.Split(s.Body, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		lines := strings.Split(para, "\n")
		for i := range lines {
			lines[i] = escapeXML(strings.TrimSpace(lines[i]))
		}
		fmt.Fprintf(&sb, "<p>%s</p>\n", strings.Join(lines, "<br/>"))
	}
	sb.WriteString("</body>\n</html>\n")
	return sb.String()
}

func escapeXML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&apos;")
	return s
}
