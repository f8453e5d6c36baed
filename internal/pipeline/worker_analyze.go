package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"distill/internal/ledger"
	"distill/internal/logging"
	"distill/internal/queue"
	"distill/internal/services"
	"distill/internal/services/ai"
)

const (
	// maxPromptRunes bounds how much transcript is sent to the model.
	maxPromptRunes = 12000
	// maxEmbedRunes bounds the embedding input text.
	maxEmbedRunes = 8000
	maxTagCount   = 10
)

const tagsSystemPrompt = `You label video transcripts with content tags.
Respond with JSON only: {"tags": [{"name": "...", "weight": 0.0}]}.
Weights are relevance scores between 0 and 1. Return at most ten tags.`

const titleSystemPrompt = `You write short descriptive titles for video transcripts.
Respond with JSON only: {"title": "..."}.
The title is a single line under twelve words, no quotes or emoji.`

const todoSystemPrompt = `You extract action items from video transcripts.
Respond with JSON only: {"todo": [{"task": "...", "timestamp": 123.4, "priority": "low|medium|high"}]}.
Transcript lines may be prefixed with [start-end] second offsets into the video; use them as timestamps.
Omit timestamp when the task is not anchored to a moment. Return an empty list when there is nothing actionable.`

// runGenerateTags asks the model for weighted content tags. Errors
// propagate so the queue retries; the dead-job path applies the generic
// fallback tags.
func (p *Pipeline) runGenerateTags(ctx context.Context, job *queue.Job) (string, error) {
	transcript, err := p.transcriptText(ctx, job.ProcessID)
	if err != nil {
		return "", err
	}

	content, err := p.deps.AI.CompleteJSON(ctx, tagsSystemPrompt, truncateRunes(transcript, maxPromptRunes))
	if err != nil {
		return "", err
	}
	var parsed struct {
		Tags []ledger.Tag `json:"tags"`
	}
	if err := ai.DecodeModelJSON(content, &parsed); err != nil {
		return "", services.Wrap(services.ErrValidation, StageGenerateTags, "parse response", "", err)
	}

	tags := normalizeTags(parsed.Tags)
	if len(tags) == 0 {
		return "", services.Wrap(services.ErrValidation, StageGenerateTags, "parse response", "model returned no usable tags", nil)
	}
	return "", p.deps.Ledger.SetTags(ctx, job.ProcessID, tags, ledger.AnalysisDone)
}

// runGenerateTitle asks the model for a descriptive title. The dead-job
// path falls back to a filename-derived title.
func (p *Pipeline) runGenerateTitle(ctx context.Context, job *queue.Job) (string, error) {
	transcript, err := p.transcriptText(ctx, job.ProcessID)
	if err != nil {
		return "", err
	}

	content, err := p.deps.AI.CompleteJSON(ctx, titleSystemPrompt, truncateRunes(transcript, maxPromptRunes))
	if err != nil {
		return "", err
	}
	var parsed struct {
		Title string `json:"title"`
	}
	if err := ai.DecodeModelJSON(content, &parsed); err != nil {
		return "", services.Wrap(services.ErrValidation, StageGenerateTitle, "parse response", "", err)
	}
	title := strings.TrimSpace(parsed.Title)
	if title == "" {
		return "", services.Wrap(services.ErrValidation, StageGenerateTitle, "parse response", "model returned an empty title", nil)
	}
	return "", p.deps.Ledger.SetTitle(ctx, job.ProcessID, title, ledger.AnalysisDone)
}

// runGenerateTodo asks the model for action items. The transcript is sent
// with its sub-segment timestamps so tasks can anchor to moments in the
// source media. An empty list is a valid result; the dead-job path also
// records an empty list.
func (p *Pipeline) runGenerateTodo(ctx context.Context, job *queue.Job) (string, error) {
	transcript, err := p.transcriptFor(ctx, job.ProcessID)
	if err != nil {
		return "", err
	}

	content, err := p.deps.AI.CompleteJSON(ctx, todoSystemPrompt, truncateRunes(timestampedTranscript(transcript), maxPromptRunes))
	if err != nil {
		return "", err
	}
	var parsed struct {
		Todo []ledger.TodoItem `json:"todo"`
	}
	if err := ai.DecodeModelJSON(content, &parsed); err != nil {
		return "", services.Wrap(services.ErrValidation, StageGenerateTodo, "parse response", "", err)
	}
	return "", p.deps.Ledger.SetTodo(ctx, job.ProcessID, normalizeTodo(parsed.Todo), ledger.AnalysisDone)
}

// runGenerateEmbedding embeds the title+tags summary when both exist, else
// the transcript. A vector that violates the dimension contract is recorded
// as a failed embedding, never as a record failure.
func (p *Pipeline) runGenerateEmbedding(ctx context.Context, job *queue.Job) (string, error) {
	record, err := p.deps.Ledger.GetByID(ctx, job.ProcessID)
	if err != nil {
		return "", err
	}
	if record == nil {
		return "", services.Wrap(services.ErrNotFound, StageGenerateEmbedding, "load record", job.ProcessID, nil)
	}

	text, method := embeddingInput(record)
	if strings.TrimSpace(text) == "" {
		if err := p.deps.Ledger.SetEmbedding(ctx, job.ProcessID, nil, method, ledger.AnalysisFailed); err != nil {
			return "", err
		}
		return "", p.deps.Ledger.RecordError(ctx, job.ProcessID, StageGenerateEmbedding, "no text available to embed", "")
	}

	vector, err := p.deps.Embedder.Embed(ctx, text)
	if err != nil {
		if errors.Is(err, services.ErrValidation) {
			// Wrong dimension: store nothing, close the stage, keep going.
			if storeErr := p.deps.Ledger.SetEmbedding(ctx, job.ProcessID, nil, method, ledger.AnalysisFailed); storeErr != nil {
				return "", storeErr
			}
			p.logger.Warn("embedding rejected",
				logging.String(logging.FieldProcessID, job.ProcessID),
				logging.Error(err))
			return "", p.deps.Ledger.RecordError(ctx, job.ProcessID, StageGenerateEmbedding, "embedding rejected", err.Error())
		}
		return "", err
	}
	return "", p.deps.Ledger.SetEmbedding(ctx, job.ProcessID, vector, method, ledger.AnalysisDone)
}

func (p *Pipeline) transcriptFor(ctx context.Context, processID string) (*ledger.Transcript, error) {
	record, err := p.deps.Ledger.GetByID(ctx, processID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, services.Wrap(services.ErrNotFound, "analysis", "load record", processID, nil)
	}
	if record.Transcript == nil || strings.TrimSpace(record.Transcript.Text) == "" {
		return nil, services.Wrap(services.ErrValidation, "analysis", "load transcript", "record has no transcript", nil)
	}
	return record.Transcript, nil
}

func (p *Pipeline) transcriptText(ctx context.Context, processID string) (string, error) {
	transcript, err := p.transcriptFor(ctx, processID)
	if err != nil {
		return "", err
	}
	return transcript.Text, nil
}

// timestampedTranscript renders one line per sub-segment with its second
// offsets. Transcripts with no sub-segments fall back to the plain text.
func timestampedTranscript(transcript *ledger.Transcript) string {
	if len(transcript.Parts) == 0 {
		return transcript.Text
	}
	lines := make([]string, 0, len(transcript.Parts))
	for _, part := range transcript.Parts {
		lines = append(lines, fmt.Sprintf("[%.1f-%.1f] %s", part.Start, part.End, part.Text))
	}
	return strings.Join(lines, "\n")
}

// embeddingInput picks the embedding source text: the title and tag names
// when both generations produced output, otherwise the raw transcript.
func embeddingInput(record *ledger.Record) (string, string) {
	title := strings.TrimSpace(record.Title)
	if title != "" && len(record.Tags) > 0 {
		names := make([]string, 0, len(record.Tags))
		for _, tag := range record.Tags {
			if name := strings.TrimSpace(tag.Name); name != "" {
				names = append(names, name)
			}
		}
		return title + "\n" + strings.Join(names, ", "), "title_tags"
	}
	if record.Transcript != nil {
		return truncateRunes(record.Transcript.Text, maxEmbedRunes), "transcript"
	}
	return "", "transcript"
}

// FallbackTags is the deterministic tag set applied when generation fails.
func FallbackTags() []ledger.Tag {
	return []ledger.Tag{
		{Name: "video", Weight: 0.3},
		{Name: "content", Weight: 0.2},
		{Name: "media", Weight: 0.1},
	}
}

// FallbackTitle derives a presentable title from the source file name.
func FallbackTitle(sourcePath string) string {
	base := filepath.Base(sourcePath)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	replacer := strings.NewReplacer("_", " ", "-", " ", ".", " ")
	base = strings.Join(strings.Fields(replacer.Replace(base)), " ")
	if base == "" {
		return "Untitled Video"
	}
	return cases.Title(language.English).String(strings.ToLower(base))
}

func normalizeTags(tags []ledger.Tag) []ledger.Tag {
	out := make([]ledger.Tag, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, tag := range tags {
		name := strings.ToLower(strings.TrimSpace(tag.Name))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		weight := tag.Weight
		if weight < 0 {
			weight = 0
		}
		if weight > 1 {
			weight = 1
		}
		out = append(out, ledger.Tag{Name: name, Weight: weight})
		if len(out) == maxTagCount {
			break
		}
	}
	return out
}

func normalizeTodo(items []ledger.TodoItem) []ledger.TodoItem {
	out := make([]ledger.TodoItem, 0, len(items))
	for _, item := range items {
		task := strings.TrimSpace(item.Task)
		if task == "" {
			continue
		}
		priority := strings.ToLower(strings.TrimSpace(item.Priority))
		switch priority {
		case "low", "medium", "high":
		default:
			priority = "medium"
		}
		timestamp := item.Timestamp
		if timestamp != nil && *timestamp < 0 {
			timestamp = nil
		}
		out = append(out, ledger.TodoItem{Task: task, Timestamp: timestamp, Priority: priority})
	}
	return out
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
