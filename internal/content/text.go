package content

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// invisible lists the elements whose text never reaches the reader.
const invisible = "script, style, noscript, template, head"

// ExtractText returns the whitespace-normalized visible text of an HTML document.
func ExtractText(html []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find(invisible).Remove()
	return strings.Join(strings.Fields(doc.Text()), " "), nil
}
