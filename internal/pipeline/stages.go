package pipeline

// Stage names double as queue job types and as ledger stage claim keys.
const (
	StageCompressVideo     = "compress-video"
	StageExtractAudio      = "extract-audio"
	StageSegmentAudio      = "segment-audio"
	StageTranscribeSegment = "transcribe-segment"
	StageMergeTranscripts  = "merge-transcripts"
	StageGenerateTags      = "generate-tags"
	StageGenerateTitle     = "generate-title"
	StageGenerateTodo      = "generate-todo"
	StageGenerateEmbedding = "generate-embedding"
	StageUploadRemote      = "upload-remote"
	StageCleanupLocal      = "cleanup-local"

	// claimFinalize guards the two-phase finalization join, which has no
	// queue job of its own.
	claimFinalize = "finalize"
)

// Queue names group stages by resource profile so the dispatcher can bound
// concurrency per lane.
const (
	QueueMedia      = "media"
	QueueTranscribe = "transcribe"
	QueueAnalysis   = "ai"
	QueueFinalize   = "finalize"
)

// AllQueues lists every queue the dispatcher serves.
func AllQueues() []string {
	return []string{QueueMedia, QueueTranscribe, QueueAnalysis, QueueFinalize}
}

var stageQueues = map[string]string{
	StageCompressVideo:     QueueMedia,
	StageExtractAudio:      QueueMedia,
	StageSegmentAudio:      QueueMedia,
	StageTranscribeSegment: QueueTranscribe,
	StageMergeTranscripts:  QueueTranscribe,
	StageGenerateTags:      QueueAnalysis,
	StageGenerateTitle:     QueueAnalysis,
	StageGenerateTodo:      QueueAnalysis,
	StageGenerateEmbedding: QueueAnalysis,
	StageUploadRemote:      QueueFinalize,
	StageCleanupLocal:      QueueFinalize,
}

// QueueFor returns the queue a stage runs on.
func QueueFor(stage string) string {
	if queueName, ok := stageQueues[stage]; ok {
		return queueName
	}
	return QueueMedia
}

// criticalStages fail the whole record when their job dies. Everything else
// degrades: transcription skips the segment, analysis falls back, cleanup
// logs and completes.
var criticalStages = map[string]bool{
	StageCompressVideo:    true,
	StageExtractAudio:     true,
	StageSegmentAudio:     true,
	StageMergeTranscripts: true,
	StageUploadRemote:     true,
}

// Critical reports whether a dead job on this stage is fatal for the record.
func Critical(stage string) bool {
	return criticalStages[stage]
}

// compressPayload is the input for the compress-video stage.
type compressPayload struct {
	Source string `json:"source"`
}

// extractPayload is the input for the extract-audio stage.
type extractPayload struct {
	Source string `json:"source"`
}

// segmentPayload is the input for the segment-audio stage.
type segmentPayload struct {
	AudioPath string  `json:"audio_path"`
	Duration  float64 `json:"duration"`
}

// transcribePayload is the input for one transcribe-segment job.
type transcribePayload struct {
	Index    int     `json:"index"`
	Path     string  `json:"path"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
}

// segmentChunk describes one planned audio chunk in the segment-audio
// stage's result.
type segmentChunk struct {
	Index    int     `json:"index"`
	Path     string  `json:"path"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
}

// segmentResult is the segment-audio stage's job result.
type segmentResult struct {
	Count  int            `json:"count"`
	Chunks []segmentChunk `json:"chunks"`
}

// extractResult is the extract-audio stage's job result.
type extractResult struct {
	AudioPath string  `json:"audio_path"`
	Duration  float64 `json:"duration"`
}
