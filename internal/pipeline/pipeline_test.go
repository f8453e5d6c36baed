package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"distill/internal/config"
	"distill/internal/ledger"
	"distill/internal/queue"
	"distill/internal/services/transcriber"
	"distill/internal/storage"
)

type fakeChat struct {
	response string
	err      error
	calls    int
	prompts  []string
}

func (f *fakeChat) CompleteJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	f.calls++
	f.prompts = append(f.prompts, userPrompt)
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

type fakeTranscriber struct {
	text     string
	segments []transcriber.SubSegment
	err      error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, path string) (transcriber.Transcription, error) {
	if f.err != nil {
		return transcriber.Transcription{}, f.err
	}
	segments := f.segments
	if segments == nil {
		segments = []transcriber.SubSegment{{ID: 0, Start: 0, End: 2, Text: f.text, AvgLogProb: -0.2}}
	}
	return transcriber.Transcription{
		Text:     f.text,
		Language: "en",
		Segments: segments,
	}, nil
}

func (f *fakeTranscriber) MaxUploadBytes() int64 {
	return 25 << 20
}

type fakeEmbedder struct {
	vector []float64
	err    error
	calls  int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.vector, nil
}

func (f *fakeEmbedder) Dimension() int {
	return len(f.vector)
}

type fakeNotifier struct {
	completed []string
	failed    []string
}

func (f *fakeNotifier) ProcessCompleted(ctx context.Context, record *ledger.Record) {
	f.completed = append(f.completed, record.ID)
}

func (f *fakeNotifier) ProcessFailed(ctx context.Context, record *ledger.Record, stage, reason string) {
	f.failed = append(f.failed, record.ID)
}

type fakeGateway struct {
	uploadErr error
	uploaded  []string
}

func (f *fakeGateway) Upload(ctx context.Context, localPath, key string) (storage.Location, error) {
	if f.uploadErr != nil {
		return storage.Location{}, f.uploadErr
	}
	f.uploaded = append(f.uploaded, key)
	return storage.Location{Bucket: "distill", Key: key}, nil
}

func (f *fakeGateway) Exists(ctx context.Context, key string) (bool, error) {
	return true, nil
}

func (f *fakeGateway) Remove(ctx context.Context, key string) error {
	return nil
}

type fixture struct {
	pipeline *Pipeline
	ledger   *ledger.Store
	queue    *queue.Store
	cfg      *config.Config

	chat        *fakeChat
	transcriber *fakeTranscriber
	embedder    *fakeEmbedder
	notifier    *fakeNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.UploadDir = t.TempDir()
	cfg.Paths.WorkDir = t.TempDir()
	cfg.Storage.Enabled = false

	ledgerStore, err := ledger.Open(t.TempDir(), ledger.WithEmbeddingDimension(4))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { ledgerStore.Close() })

	queueStore, err := queue.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { queueStore.Close() })

	chat := &fakeChat{response: `{"tags":[{"name":"demo","weight":0.9}]}`}
	speech := &fakeTranscriber{text: "hello world"}
	embedder := &fakeEmbedder{vector: []float64{0.1, 0.2, 0.3, 0.4}}
	notifier := &fakeNotifier{}

	p := New(Deps{
		Cfg:         &cfg,
		Queue:       queueStore,
		Ledger:      ledgerStore,
		Transcriber: speech,
		AI:          chat,
		Embedder:    embedder,
		Notifier:    notifier,
	})
	return &fixture{
		pipeline:    p,
		ledger:      ledgerStore,
		queue:       queueStore,
		cfg:         &cfg,
		chat:        chat,
		transcriber: speech,
		embedder:    embedder,
		notifier:    notifier,
	}
}

// newRecord creates a record whose original file really exists under the
// upload root, named by the process id so cleanup ownership checks pass.
func (f *fixture) newRecord(t *testing.T) *ledger.Record {
	t.Helper()
	ctx := context.Background()

	id := ledger.NewID()
	source := filepath.Join(f.cfg.Paths.UploadDir, id+".mp4")
	if err := os.WriteFile(source, []byte("video-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	record, err := f.ledger.CreateWithID(ctx, id, "tenant-1", "owner-1", ledger.Artifact{
		Path:    source,
		Size:    int64(len("video-bytes")),
		Storage: ledger.StorageLocal,
	})
	if err != nil {
		t.Fatalf("create record: %v", err)
	}
	return record
}

func (f *fixture) jobsOfType(t *testing.T, processID, jobType string) []*queue.Job {
	t.Helper()
	jobs, err := f.queue.JobsByProcess(context.Background(), processID)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	matched := make([]*queue.Job, 0, len(jobs))
	for _, job := range jobs {
		if job.Type == jobType {
			matched = append(matched, job)
		}
	}
	return matched
}

func (f *fixture) mustRecord(t *testing.T, id string) *ledger.Record {
	t.Helper()
	record, err := f.ledger.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if record == nil {
		t.Fatalf("record %s missing", id)
	}
	return record
}
