package ledger

import (
	"time"
)

// Status is the lifecycle state of a process record. The happy path moves
// strictly forward through the ordered states; failed is terminal and
// reachable from any non-terminal state.
type Status string

const (
	StatusUploaded        Status = "uploaded"
	StatusProcessingMedia Status = "processing_media"
	StatusAudioExtracted  Status = "audio_extracted"
	StatusTranscribing    Status = "transcribing"
	StatusAnalyzing       Status = "analyzing"
	StatusVideoValidating Status = "video_validating"
	StatusUploadingRemote Status = "uploading_to_s3"
	StatusCleaningLocal   Status = "cleaning_local_files"
	StatusFinalizing      Status = "finalizing"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
)

var statusRank = map[Status]int{
	StatusUploaded:        0,
	StatusProcessingMedia: 1,
	StatusAudioExtracted:  2,
	StatusTranscribing:    3,
	StatusAnalyzing:       4,
	StatusVideoValidating: 5,
	StatusUploadingRemote: 6,
	StatusCleaningLocal:   7,
	StatusFinalizing:      8,
	StatusCompleted:       9,
	StatusFailed:          10,
}

// Valid reports whether the status is one of the known lifecycle states.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Terminal reports whether the record can no longer change state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StorageState locates an artifact.
type StorageState string

const (
	StorageLocal   StorageState = "local"
	StorageRemote  StorageState = "remote"
	StorageDeleted StorageState = "deleted"
)

// Artifact describes one produced or ingested file.
type Artifact struct {
	Path    string       `json:"path"`
	Size    int64        `json:"size"`
	Storage StorageState `json:"storage"`
}

// AnalysisState tracks one analysis output (tags, title, todo, embedding)
// independently of the others. Attempted-and-failed still closes the stage;
// only pending keeps analysis open.
type AnalysisState string

const (
	AnalysisPending  AnalysisState = "pending"
	AnalysisDone     AnalysisState = "done"
	AnalysisFallback AnalysisState = "done_fallback"
	AnalysisFailed   AnalysisState = "failed"
)

// Ready reports whether the output has been attempted, successfully or not.
func (a AnalysisState) Ready() bool {
	return a != AnalysisPending && a != ""
}

// PendingVideoState is the two-phase commit state of a compressed video
// result awaiting validation.
type PendingVideoState string

const (
	PendingVideoAbsent    PendingVideoState = "absent"
	PendingVideoPending   PendingVideoState = "pending"
	PendingVideoCommitted PendingVideoState = "committed"
)

// VideoResult is a compression outcome parked for validation before it
// replaces the original as the processed artifact.
type VideoResult struct {
	Path    string `json:"path"`
	Size    int64  `json:"size"`
	Codec   string `json:"codec"`
	Skipped bool   `json:"skipped"`
}

// Tag is one weighted content tag.
type Tag struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}

// TodoItem is one extracted action item. Timestamp is seconds into the
// source media when the provider anchored the task to a moment.
type TodoItem struct {
	Task      string   `json:"task"`
	Timestamp *float64 `json:"timestamp,omitempty"`
	Priority  string   `json:"priority"`
}

// SegmentPart is one per-sentence timestamped slice of a transcription.
// Start and End are seconds into the source media, already shifted by the
// owning chunk's offset.
type SegmentPart struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Segment is one transcribed audio chunk. Skipped segments keep their index
// so fan-in counting stays exact.
type Segment struct {
	Index      int           `json:"index"`
	Text       string        `json:"text"`
	Start      float64       `json:"start"`
	End        float64       `json:"end"`
	Parts      []SegmentPart `json:"parts,omitempty"`
	AvgLogProb float64       `json:"avg_logprob"`
	Language   string        `json:"language,omitempty"`
	Skipped    bool          `json:"skipped,omitempty"`
	SkipReason string        `json:"skip_reason,omitempty"`
}

// Transcript is the merged, ordered transcription of all valid segments.
// Parts carries every sub-segment across chunks, sorted by start time.
type Transcript struct {
	Text         string        `json:"text"`
	Language     string        `json:"language,omitempty"`
	Parts        []SegmentPart `json:"parts,omitempty"`
	Confidence   float64       `json:"confidence"`
	WordCount    int           `json:"word_count"`
	CharCount    int           `json:"char_count"`
	SegmentCount int           `json:"segment_count"`
}

// RemoteRef locates the processed artifact in object storage.
type RemoteRef struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	URL    string `json:"url,omitempty"`
}

// ErrorEntry is one append-only error log row.
type ErrorEntry struct {
	Stage     string
	Message   string
	Details   string
	CreatedAt time.Time
}

// Record is the full durable state of one pipeline run.
type Record struct {
	ID       string
	TenantID string
	OwnerID  string
	Status   Status

	ProgressPercent int
	ProgressStep    string

	Original      *Artifact
	Processed     *Artifact
	Audio         *Artifact
	AudioDuration float64

	// ExpectedSegments is zero until segmentation plans the split.
	ExpectedSegments int
	Transcript       *Transcript

	Tags      []Tag
	TagsState AnalysisState

	Title      string
	TitleState AnalysisState

	Todo      []TodoItem
	TodoState AnalysisState

	Embedding       []float64
	EmbeddingMethod string
	EmbeddingState  AnalysisState

	PendingVideo      *VideoResult
	PendingVideoState PendingVideoState

	Remote *RemoteRef

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EmbeddingGateOpen reports whether tags and title have both been attempted,
// the precondition for enqueueing embedding generation.
func (r *Record) EmbeddingGateOpen() bool {
	return r.TagsState.Ready() && r.TitleState.Ready()
}

// AnalysisReady counts attempted analysis outputs out of four.
func (r *Record) AnalysisReady() int {
	count := 0
	for _, state := range []AnalysisState{r.TagsState, r.TitleState, r.TodoState, r.EmbeddingState} {
		if state.Ready() {
			count++
		}
	}
	return count
}

// AnalysisClosed reports whether all four analysis outputs were attempted.
func (r *Record) AnalysisClosed() bool {
	return r.AnalysisReady() == 4
}
