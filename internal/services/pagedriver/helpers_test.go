package pagedriver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/scanagent/internal/common"
	"github.com/ternarybob/scanagent/internal/models"
)

func testSelectors() common.SelectorConfig {
	return common.SelectorConfig{
		LoginForm:     "form#login",
		UsernameInput: "input[name=username]",
		PasswordInput: "input[type=password]",
		LoginSubmit:   "button[type=submit]",
		LaunchButton:  "a.launch",
		FolderListing: "ul.folders",
		FolderLink:    "ul.folders a",
		UploadModal:   "div.upload-modal",
		ReportViewer:  "div.report-viewer",
		ResultRow:     "tr.submission",
	}
}

func TestClassifyPage(t *testing.T) {
	sel := testSelectors()

	tests := []struct {
		name string
		html string
		want models.PageKind
	}{
		{
			name: "login form",
			html: `<html><body><form id="login"><input name="username"><input type="password"></form></body></html>`,
			want: models.PageKindLogin,
		},
		{
			name: "bare password input",
			html: `<html><body><input type="password"></body></html>`,
			want: models.PageKindLogin,
		},
		{
			name: "launch prompt",
			html: `<html><body><a class="launch" href="/app">Launch</a></body></html>`,
			want: models.PageKindLaunchPrompt,
		},
		{
			name: "folder listing",
			html: `<html><body><ul class="folders"><li><a href="/f/1">Essays</a></li></ul></body></html>`,
			want: models.PageKindFolderListing,
		},
		{
			name: "upload modal over listing",
			html: `<html><body><ul class="folders"></ul><div class="upload-modal"><input type="file"></div></body></html>`,
			want: models.PageKindUploadModal,
		},
		{
			name: "hidden modal ignored",
			html: `<html><body><ul class="folders"></ul><div class="upload-modal" style="display: none"></div></body></html>`,
			want: models.PageKindFolderListing,
		},
		{
			name: "modal inside hidden ancestor ignored",
			html: `<html><body><div hidden><div class="upload-modal"></div></div><ul class="folders"></ul></body></html>`,
			want: models.PageKindFolderListing,
		},
		{
			name: "aria hidden login ignored",
			html: `<html><body><form id="login" aria-hidden="true"></form><a class="launch">Go</a></body></html>`,
			want: models.PageKindLaunchPrompt,
		},
		{
			name: "report viewer",
			html: `<html><body><div class="report-viewer"></div></body></html>`,
			want: models.PageKindReportViewer,
		},
		{
			name: "unknown",
			html: `<html><body><p>Maintenance</p></body></html>`,
			want: models.PageKindUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyPage(tt.html, sel))
		})
	}
}

func TestClassifyPage_EmptySelectorsNeverMatch(t *testing.T) {
	html := `<html><body><form id="login"></form></body></html>`
	assert.Equal(t, models.PageKindUnknown, ClassifyPage(html, common.SelectorConfig{}))
}

const listingHTML = `<html><body><table>
<tr class="submission"><td>Other_Report.pdf</td><td>88%</td></tr>
<tr class="submission"><td>My Essay.docx</td><td>Similarity 12%</td><td>AI 4.5%</td></tr>
<tr class="submission"><td>draft-two.docx</td><td>Processing</td></tr>
</table></body></html>`

func TestScanRows(t *testing.T) {
	row, index := ScanRows(listingHTML, "tr.submission", "my_essay.docx")
	require.True(t, row.Found)
	assert.Equal(t, 1, index)
	assert.False(t, row.InProgress)
	require.NotNil(t, row.Scores.Similarity)
	require.NotNil(t, row.Scores.AI)
	assert.Equal(t, 12.0, *row.Scores.Similarity)
	assert.Equal(t, 4.5, *row.Scores.AI)
	assert.True(t, row.Ready())
}

func TestScanRows_InProgress(t *testing.T) {
	row, index := ScanRows(listingHTML, "tr.submission", "Draft Two.docx")
	require.True(t, row.Found)
	assert.Equal(t, 2, index)
	assert.True(t, row.InProgress)
	assert.False(t, row.Ready())
}

func TestScanRows_IgnoresFileNameText(t *testing.T) {
	html := `<table>
<tr class="submission"><td>Pending Review Essay.docx</td><td>Similarity 12%</td><td>AI 4%</td><td>Completed</td></tr>
<tr class="submission"><td>Queued Notes.docx</td><td>Scanning</td></tr>
<tr class="submission"><td>Essay 50% draft.docx</td><td>Similarity 8%</td></tr>
</table>`

	row, index := ScanRows(html, "tr.submission", "Pending Review Essay.docx")
	require.True(t, row.Found)
	assert.Equal(t, 0, index)
	assert.False(t, row.InProgress)
	require.NotNil(t, row.Scores.Similarity)
	require.NotNil(t, row.Scores.AI)
	assert.Equal(t, 12.0, *row.Scores.Similarity)
	assert.Equal(t, 4.0, *row.Scores.AI)
	assert.True(t, row.Ready())
	assert.Contains(t, row.Text, "Pending Review Essay.docx")

	row, _ = ScanRows(html, "tr.submission", "Queued Notes.docx")
	require.True(t, row.Found)
	assert.True(t, row.InProgress, "status cell still counts")

	row, _ = ScanRows(html, "tr.submission", "Essay 50% draft.docx")
	require.True(t, row.Found)
	require.NotNil(t, row.Scores.Similarity)
	assert.Equal(t, 8.0, *row.Scores.Similarity)
	assert.Nil(t, row.Scores.AI)
}

func TestScanRows_NotFound(t *testing.T) {
	row, index := ScanRows(listingHTML, "tr.submission", "missing.docx")
	assert.False(t, row.Found)
	assert.Equal(t, -1, index)

	_, index = ScanRows(listingHTML, "", "My Essay.docx")
	assert.Equal(t, -1, index)
}

func TestFindFolderLink(t *testing.T) {
	html := `<ul class="folders"><li><a>Archive</a></li><li><a> Spring  Essays </a></li></ul>`

	index, text, ok := FindFolderLink(html, "ul.folders a", "essays")
	require.True(t, ok)
	assert.Equal(t, 1, index)
	assert.Equal(t, "Spring Essays", text)

	_, _, ok = FindFolderLink(html, "ul.folders a", "theses")
	assert.False(t, ok)
}

func TestExtractScores(t *testing.T) {
	f := func(v float64) *float64 { return &v }

	tests := []struct {
		name string
		text string
		want models.Scores
	}{
		{"none", "Processing", models.Scores{}},
		{"similarity only", "essay.docx 23%", models.Scores{Similarity: f(23)}},
		{"two unlabelled", "essay.docx 23% 7%", models.Scores{Similarity: f(23), AI: f(7)}},
		{"ai labelled first", "AI writing 40% Similarity 10%", models.Scores{Similarity: f(10), AI: f(40)}},
		{"comma decimal", "Similarity 12,5 %", models.Scores{Similarity: f(12.5)}},
		{"over 100 ignored", "250% 30%", models.Scores{Similarity: f(30)}},
		{"ai hyphenated", "Similarity 3% AI-generated: 0%", models.Scores{Similarity: f(3), AI: f(0)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractScores(tt.text))
		})
	}
}

func TestHasProgressMarker(t *testing.T) {
	assert.True(t, HasProgressMarker("essay.docx  In Progress"))
	assert.True(t, HasProgressMarker("Queued for scanning"))
	assert.True(t, HasProgressMarker("Analysing"))
	assert.False(t, HasProgressMarker("essay.docx 12%"))
}

func TestNormalizeFileName(t *testing.T) {
	tests := map[string]string{
		"My_Essay.docx":        "my essay",
		"  Report (final).pdf ": "report final",
		"no-extension":         "no extension",
		"notes.longextension":  "notes longextension",
		"":                     "",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeFileName(in), in)
	}
}

func TestJSString(t *testing.T) {
	assert.Equal(t, `"a[name=\"x\"]"`, jsString(`a[name="x"]`))
}
