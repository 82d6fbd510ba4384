package pagedriver

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/ternarybob/scanagent/internal/common"
	"github.com/ternarybob/scanagent/internal/models"
)

var (
	percentPattern  = regexp.MustCompile(`(\d{1,3}(?:[.,]\d+)?)\s*%`)
	aiLabelPattern  = regexp.MustCompile(`(?i)\b(ai|a\.i\.|ai[- ]generated|ai writing|ai detection)\b[^%\d]{0,24}$`)
	nonAlnumPattern = regexp.MustCompile(`[^\p{L}\p{N}]+`)
)

// progressMarkers are row texts shown while the host is still scanning
var progressMarkers = []string{
	"processing",
	"in progress",
	"pending",
	"queued",
	"scanning",
	"uploading",
	"analyzing",
	"analysing",
}

// createDocument creates a goquery.Document from HTML string
func createDocument(html string) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(strings.NewReader(html))
}

// ClassifyPage decides what the loaded page is from its markup. Overlays
// are checked before the pages underneath them.
func ClassifyPage(html string, sel common.SelectorConfig) models.PageKind {
	doc, err := createDocument(html)
	if err != nil {
		return models.PageKindUnknown
	}

	switch {
	case visible(doc, sel.UploadModal):
		return models.PageKindUploadModal
	case visible(doc, sel.ReportViewer):
		return models.PageKindReportViewer
	case visible(doc, sel.LoginForm) || visible(doc, sel.PasswordInput):
		return models.PageKindLogin
	case visible(doc, sel.FolderListing):
		return models.PageKindFolderListing
	case visible(doc, sel.LaunchButton):
		return models.PageKindLaunchPrompt
	default:
		return models.PageKindUnknown
	}
}

// ScanRows looks for the document's row among the rows matched by
// rowSelector. It returns the row and its index in document order, or -1.
func ScanRows(html, rowSelector, displayName string) (models.ResultRow, int) {
	doc, err := createDocument(html)
	if err != nil || rowSelector == "" {
		return models.ResultRow{}, -1
	}

	want := NormalizeFileName(displayName)
	if want == "" {
		return models.ResultRow{}, -1
	}

	name := namePattern(want)
	row := models.ResultRow{}
	index := -1
	doc.Find(rowSelector).EachWithBreak(func(i int, s *goquery.Selection) bool {
		text := rowText(s)
		if !strings.Contains(normalizeText(text), want) {
			return true
		}
		// Status words and percentages inside the file name say nothing
		// about the scan
		status := name.ReplaceAllString(text, "$1 $2")
		row = models.ResultRow{
			Found:      true,
			InProgress: HasProgressMarker(status),
			Text:       text,
			Scores:     ExtractScores(status),
		}
		index = i
		return false
	})
	return row, index
}

// namePattern matches a normalized file name in row text, with any
// punctuation between its words and an optional extension
func namePattern(normalized string) *regexp.Regexp {
	words := strings.Fields(normalized)
	for i, w := range words {
		words[i] = regexp.QuoteMeta(w)
	}
	return regexp.MustCompile(`(?i)(^|[^\p{L}\p{N}])` +
		strings.Join(words, `[^\p{L}\p{N}]+`) +
		`(?:\.[\p{L}\p{N}]{1,5})?($|[^\p{L}\p{N}])`)
}

// rowText joins the text of the row's cells with spaces so adjacent cells
// do not run together
func rowText(s *goquery.Selection) string {
	cells := s.Children()
	if cells.Length() == 0 {
		return collapseSpace(s.Text())
	}
	parts := make([]string, 0, cells.Length())
	cells.Each(func(_ int, c *goquery.Selection) {
		if t := collapseSpace(c.Text()); t != "" {
			parts = append(parts, t)
		}
	})
	return strings.Join(parts, " ")
}

// FindFolderLink returns the index of the first link whose text contains
// name, compared case-insensitively
func FindFolderLink(html, linkSelector, name string) (int, string, bool) {
	doc, err := createDocument(html)
	if err != nil || linkSelector == "" {
		return -1, "", false
	}

	want := strings.ToLower(strings.TrimSpace(name))
	index := -1
	found := ""
	doc.Find(linkSelector).EachWithBreak(func(i int, s *goquery.Selection) bool {
		text := collapseSpace(s.Text())
		if want == "" || strings.Contains(strings.ToLower(text), want) {
			index = i
			found = text
			return false
		}
		return true
	})
	return index, found, index >= 0
}

// ExtractScores reads percentages from row text. A percentage labelled as AI
// is the AI score; the first other percentage is the similarity score. With
// no labels the second percentage is taken as the AI score.
func ExtractScores(text string) models.Scores {
	var scores models.Scores
	var unlabelled []float64

	for _, m := range percentPattern.FindAllStringSubmatchIndex(text, -1) {
		value, err := strconv.ParseFloat(strings.Replace(text[m[2]:m[3]], ",", ".", 1), 64)
		if err != nil || value > 100 {
			continue
		}
		prefix := text[:m[0]]
		if len(prefix) > 40 {
			prefix = prefix[len(prefix)-40:]
		}
		if scores.AI == nil && aiLabelPattern.MatchString(prefix) {
			v := value
			scores.AI = &v
			continue
		}
		unlabelled = append(unlabelled, value)
	}

	if len(unlabelled) > 0 {
		v := unlabelled[0]
		scores.Similarity = &v
	}
	if scores.AI == nil && len(unlabelled) > 1 {
		v := unlabelled[1]
		scores.AI = &v
	}
	return scores
}

// HasProgressMarker reports whether row text says the scan is still running
func HasProgressMarker(text string) bool {
	lower := strings.ToLower(text)
	for _, marker := range progressMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// NormalizeFileName reduces a file name or row text to lower-case words so
// that names can be matched by substring regardless of extension and
// punctuation
func NormalizeFileName(name string) string {
	name = strings.TrimSpace(name)
	if ext := filepath.Ext(name); ext != "" && len(ext) <= 6 && !strings.ContainsAny(ext, " \t") {
		name = strings.TrimSuffix(name, ext)
	}
	return normalizeText(name)
}

func normalizeText(s string) string {
	return strings.TrimSpace(nonAlnumPattern.ReplaceAllString(strings.ToLower(s), " "))
}

func visible(doc *goquery.Document, selector string) bool {
	if selector == "" {
		return false
	}
	shown := false
	doc.Find(selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if !hidden(s) {
			shown = true
			return false
		}
		return true
	})
	return shown
}

// hidden reports whether the element or an ancestor is hidden by markup
func hidden(s *goquery.Selection) bool {
	isHidden := false
	s.AddSelection(s.Parents()).EachWithBreak(func(_ int, el *goquery.Selection) bool {
		if _, ok := el.Attr("hidden"); ok {
			isHidden = true
		} else if v, _ := el.Attr("aria-hidden"); v == "true" {
			isHidden = true
		} else if style, _ := el.Attr("style"); strings.Contains(strings.ReplaceAll(strings.ToLower(style), " ", ""), "display:none") {
			isHidden = true
		}
		return !isHidden
	})
	return isHidden
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
