package models

// PageKind is the driver's classification of the currently loaded page
type PageKind string

const (
	PageKindLogin         PageKind = "login"
	PageKindLaunchPrompt  PageKind = "launch_prompt"
	PageKindFolderListing PageKind = "folder_listing"
	PageKindReportViewer  PageKind = "report_viewer"
	PageKindUploadModal   PageKind = "upload_modal"
	PageKindUnknown       PageKind = "unknown"
)

// ResultRow is what the driver found for a document in the submission listing
type ResultRow struct {
	Found      bool   `json:"found"`
	InProgress bool   `json:"in_progress"`
	Text       string `json:"text"`
	Scores     Scores `json:"scores"`
}

// Ready reports whether the primary score is present and the row is not still processing
func (r ResultRow) Ready() bool {
	return r.Found && r.Scores.HasSimilarity() && !r.InProgress
}
