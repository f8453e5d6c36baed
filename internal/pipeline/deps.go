package pipeline

import (
	"context"
	"log/slog"
	"path/filepath"

	"distill/internal/cleanup"
	"distill/internal/config"
	"distill/internal/ledger"
	"distill/internal/logging"
	"distill/internal/queue"
	"distill/internal/services/transcriber"
	"distill/internal/storage"
)

// ChatService is the chat-completion surface the analysis workers call.
type ChatService interface {
	CompleteJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// TranscribeService is the speech-to-text surface the transcribe worker
// calls.
type TranscribeService interface {
	Transcribe(ctx context.Context, path string) (transcriber.Transcription, error)
	MaxUploadBytes() int64
}

// EmbedService is the embeddings surface the embedding worker calls.
type EmbedService interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	Dimension() int
}

// Notifier receives terminal pipeline events. Implementations must tolerate
// duplicate delivery.
type Notifier interface {
	ProcessCompleted(ctx context.Context, record *ledger.Record)
	ProcessFailed(ctx context.Context, record *ledger.Record, stage, reason string)
}

// Deps bundles everything the pipeline needs. Storage and Notifier may be
// nil: a nil Storage gateway routes finalization through legacy local
// cleanup, a nil Notifier drops events.
type Deps struct {
	Cfg         *config.Config
	Logger      *slog.Logger
	Queue       *queue.Store
	Ledger      *ledger.Store
	Transcriber TranscribeService
	AI          ChatService
	Embedder    EmbedService
	Storage     storage.Gateway
	Notifier    Notifier
}

// Pipeline wires workers and orchestrator over shared dependencies.
type Pipeline struct {
	deps    Deps
	logger  *slog.Logger
	cleaner *cleanup.Validator
}

// New builds a pipeline from its dependencies.
func New(deps Deps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Pipeline{
		deps:    deps,
		logger:  logging.NewComponentLogger(logger, "pipeline"),
		cleaner: cleanup.NewValidator(deps.Cfg.AllowedCleanupRoots()),
	}
}

// workDir returns the per-process working directory.
func (p *Pipeline) workDir(processID string) string {
	return filepath.Join(p.deps.Cfg.Paths.WorkDir, processID)
}

func (p *Pipeline) maxAttemptsFor(stage string) int {
	cfg := p.deps.Cfg.Pipeline
	switch QueueFor(stage) {
	case QueueMedia:
		return cfg.MediaMaxAttempts
	case QueueTranscribe, QueueAnalysis:
		return cfg.ProviderMaxAttempts
	case QueueFinalize:
		return cfg.UploadMaxAttempts
	default:
		return 1
	}
}
