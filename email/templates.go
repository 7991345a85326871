package email

import (
	"fmt"
	"strings"

	"mpkbot/pkg/catalog"
)

func formatCoursesBody(courses []catalog.CourseView) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html lang=\"fi\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 800px; margin: 0 auto; padding: 20px; background: #fff; }\n")
	b.WriteString(".course { margin: 20px 0; }\n")
	b.WriteString(".course strong { font-size: 1.1em; }\n")
	b.WriteString("a { color: #2e6b30; text-decoration: none; }\n")
	b.WriteString("a:hover { text-decoration: underline; }\n")
	b.WriteString("@media (prefers-color-scheme: dark) {\n")
	b.WriteString("body { background: #1a1a1a; color: #e0e0e0; }\n")
	b.WriteString("a { color: #7fbf7f; }\n")
	b.WriteString("}\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	b.WriteString("<p>Tämä on automaattinen viesti mpkbotilta.</p>\n")
	b.WriteString("<p>Seuraavia uusia kursseja on löytynyt MPK:n koulutuskalenterista.</p>\n")

	for _, c := range courses {
		b.WriteString("<p class=\"course\">\n")
		b.WriteString(fmt.Sprintf("<strong>%s</strong><br>\n", escapeHTML(c.Name)))
		b.WriteString(fmt.Sprintf("%s @ %s<br>\n", escapeHTML(c.TimeInfo), escapeHTML(c.Location)))
		link := escapeHTML(c.Link)
		b.WriteString(fmt.Sprintf("Lisätietoja: <a href=\"%s\">%s</a>\n", link, link))
		b.WriteString("</p>\n")
	}

	b.WriteString("<hr>\n</body>\n</html>")
	return b.String()
}

// escapeHTML escapes HTML special characters.
func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}
