package models

import "time"

// Phase is one state of the automation state machine
type Phase string

const (
	PhaseIdle               Phase = "idle"
	PhaseClaimed            Phase = "claimed"
	PhaseDownloading        Phase = "downloading"
	PhaseAuthenticating     Phase = "authenticating"
	PhaseNavigating         Phase = "navigating"
	PhaseUploading          Phase = "uploading"
	PhaseWaitingForResult   Phase = "waiting_for_result"
	PhaseDownloadingResults Phase = "downloading_results"
	PhaseReporting          Phase = "reporting"
	PhaseCompleted          Phase = "completed"
	PhaseFailed             Phase = "failed"
)

func (p Phase) String() string {
	return string(p)
}

// IsTerminal reports whether the phase ends a session
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// ArtifactKind identifies a downloadable result file
type ArtifactKind string

const (
	ArtifactSimilarityReport ArtifactKind = "similarity_report"
	ArtifactAIReport         ArtifactKind = "ai_report"
)

// Artifact is a result blob held in memory until it has been uploaded
type Artifact struct {
	Kind        ArtifactKind `json:"kind"`
	FileName    string       `json:"file_name"`
	ContentType string       `json:"content_type"`
	Data        []byte       `json:"-"`
	PageCount   int          `json:"page_count,omitempty"`
	Reference   string       `json:"reference,omitempty"` // Result store reference once uploaded
}

// Scores are the percentages extracted from the result row
type Scores struct {
	Similarity *float64 `json:"similarity,omitempty"`
	AI         *float64 `json:"ai,omitempty"`
}

// HasSimilarity reports whether the primary score has been observed
func (s Scores) HasSimilarity() bool {
	return s.Similarity != nil
}

// ArtifactRef points at an uploaded artifact in the result store
type ArtifactRef struct {
	Kind      ArtifactKind `json:"kind"`
	Reference string       `json:"reference"`
	PageCount int          `json:"page_count,omitempty"`
}

// ResultSummary is the completion payload sent to the queue.
// AI is only populated for a full scan or when the secondary report is required.
type ResultSummary struct {
	JobID       string        `json:"job_id"`
	ScanKind    ScanKind      `json:"scan_kind"`
	Similarity  *float64      `json:"similarity,omitempty"`
	AI          *float64      `json:"ai,omitempty"`
	Artifacts   []ArtifactRef `json:"artifacts"`
	ScoreOnly   bool          `json:"score_only"`
	CompletedAt time.Time     `json:"completed_at"`
}

// Session is the single in-flight automation session
type Session struct {
	ID                   string
	Job                  Job
	Phase                Phase
	PhaseEnteredAt       time.Time
	StartedAt            time.Time
	SourceFile           string // Local path of the downloaded source document
	Artifacts            []Artifact
	Scores               Scores
	AlreadyUploaded      bool
	LastError            string
	CredentialGeneration uint64
}

// Artifact returns the artifact of the given kind, if downloaded
func (s *Session) Artifact(kind ArtifactKind) (Artifact, bool) {
	for _, a := range s.Artifacts {
		if a.Kind == kind {
			return a, true
		}
	}
	return Artifact{}, false
}
