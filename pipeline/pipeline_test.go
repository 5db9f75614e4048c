package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/beingfastian/APD-Listener-Tool/llm"
	"github.com/beingfastian/APD-Listener-Tool/store"
)

type MockTranscriber struct {
	Text  string
	Err   error
	Calls int
}

func (m *MockTranscriber) Transcribe(
	ctx context.Context,
	filename string,
	audio io.Reader,
) (string, error) {
	m.Calls++
	return m.Text, m.Err
}

type MockSpeech struct {
	Err   error
	Calls []string
	mu    sync.Mutex
}

func (m *MockSpeech) TextToSpeechStreaming(
	ctx context.Context,
	text string,
	writer io.Writer,
) error {
	m.mu.Lock()
	m.Calls = append(m.Calls, text)
	m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	_, err := fmt.Fprintf(writer, "clip:%s", text)
	return err
}

type MockStore struct {
	Jobs      []*store.Job
	CreateErr error
}

func (m *MockStore) CreateJob(ctx context.Context, job *store.Job) error {
	if m.CreateErr != nil {
		return m.CreateErr
	}
	m.Jobs = append(m.Jobs, job)
	return nil
}

func (m *MockStore) ListJobs(ctx context.Context) ([]store.JobSummary, error) {
	return nil, nil
}

func (m *MockStore) GetJob(ctx context.Context, id string) (*store.Job, error) {
	return nil, store.ErrNotFound
}

func (m *MockStore) DeleteJob(ctx context.Context, id string) error {
	return nil
}

func (m *MockStore) ListJobsOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	return nil, nil
}

func (m *MockStore) Close() error { return nil }

type MockArtifacts struct {
	Refs    map[string][]byte
	PutErr  error
	Removed []string
}

func NewMockArtifacts() *MockArtifacts {
	return &MockArtifacts{Refs: make(map[string][]byte)}
}

func (m *MockArtifacts) Put(jobID, name string, r io.Reader) (string, error) {
	if m.PutErr != nil {
		return "", m.PutErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	ref := jobID + "/" + name
	m.Refs[ref] = data
	return ref, nil
}

func (m *MockArtifacts) RemoveJob(jobID string) error {
	m.Removed = append(m.Removed, jobID)
	for ref := range m.Refs {
		if len(ref) > len(jobID) && ref[:len(jobID)] == jobID {
			delete(m.Refs, ref)
		}
	}
	return nil
}

type stubModel struct {
	reply string
}

func (s stubModel) Complete(ctx context.Context, req llm.CompletionRequest) (string, error) {
	return s.reply, nil
}

func extractorReplying(reply string) *llm.Extractor {
	return llm.NewExtractor(stubModel{reply: reply})
}

func newTestPipeline(
	transcriber *MockTranscriber,
	extractor *llm.Extractor,
	speech *MockSpeech,
	jobs *MockStore,
	artifacts *MockArtifacts,
) *Pipeline {
	return New(transcriber, extractor, speech, jobs, artifacts, 2, nil)
}

func TestFinalizeSuccess(t *testing.T) {
	transcriber := &MockTranscriber{Text: "Please open the valve slowly and check the gauge."}
	extractor := extractorReplying(
		`{"instructions": ["open the valve slowly and check the gauge"]}`)
	speech := &MockSpeech{}
	jobs := &MockStore{}
	artifacts := NewMockArtifacts()

	p := newTestPipeline(transcriber, extractor, speech, jobs, artifacts)

	job, err := p.Finalize(context.Background(), []byte("oggdata"), "")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	if job.Transcription != "Please open the valve slowly and check the gauge." {
		t.Errorf("unexpected transcription: %q", job.Transcription)
	}
	if len(job.Instructions) != 1 {
		t.Fatalf("expected 1 instruction, got %d", len(job.Instructions))
	}
	instruction := job.Instructions[0]
	if instruction.Text != "open the valve slowly and check the gauge" {
		t.Errorf("unexpected instruction text: %q", instruction.Text)
	}
	if len(instruction.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(instruction.Steps))
	}
	if instruction.Steps[0].Text != "Open the valve slowly" {
		t.Errorf("unexpected step: %q", instruction.Steps[0].Text)
	}
	for _, step := range instruction.Steps {
		if step.AudioRef == "" {
			t.Errorf("step %q has no audio artifact", step.Text)
		}
		if _, ok := artifacts.Refs[step.AudioRef]; !ok {
			t.Errorf("artifact %q not stored", step.AudioRef)
		}
	}

	if job.AudioRef == "" {
		t.Error("raw recording not retained")
	}
	if string(artifacts.Refs[job.AudioRef]) != "oggdata" {
		t.Error("stored recording does not match submitted audio")
	}
	if len(jobs.Jobs) != 1 {
		t.Fatalf("expected 1 persisted job, got %d", len(jobs.Jobs))
	}
}

func TestFinalizeEmptyAudio(t *testing.T) {
	transcriber := &MockTranscriber{Text: "whatever"}
	p := newTestPipeline(transcriber, extractorReplying(`{"instructions":[]}`),
		&MockSpeech{}, &MockStore{}, NewMockArtifacts())

	_, err := p.Finalize(context.Background(), nil, "")
	if !errors.Is(err, ErrEmptyAudio) {
		t.Fatalf("expected ErrEmptyAudio, got %v", err)
	}
	if transcriber.Calls != 0 {
		t.Error("transcriber called for empty audio")
	}
}

func TestFinalizeStageReporting(t *testing.T) {
	t.Run("transcription", func(t *testing.T) {
		transcriber := &MockTranscriber{Err: errors.New("api down")}
		p := newTestPipeline(transcriber, extractorReplying(`{}`),
			&MockSpeech{}, &MockStore{}, NewMockArtifacts())

		_, err := p.Finalize(context.Background(), []byte("x"), "")
		if FailingStage(err) != StageTranscription {
			t.Errorf("expected transcription stage, got %v", err)
		}
	})

	t.Run("no speech", func(t *testing.T) {
		transcriber := &MockTranscriber{Text: ""}
		p := newTestPipeline(transcriber, extractorReplying(`{}`),
			&MockSpeech{}, &MockStore{}, NewMockArtifacts())

		_, err := p.Finalize(context.Background(), []byte("x"), "")
		if !errors.Is(err, ErrNoSpeech) {
			t.Errorf("expected ErrNoSpeech, got %v", err)
		}
	})

	t.Run("hint rescues empty batch pass", func(t *testing.T) {
		transcriber := &MockTranscriber{Text: ""}
		p := newTestPipeline(transcriber,
			extractorReplying(`{"instructions":[]}`),
			&MockSpeech{}, &MockStore{}, NewMockArtifacts())

		job, err := p.Finalize(context.Background(), []byte("x"), "live words")
		if err != nil {
			t.Fatalf("Finalize: %v", err)
		}
		if job.Transcription != "live words" {
			t.Errorf("hint not used: %q", job.Transcription)
		}
	})

	t.Run("extraction", func(t *testing.T) {
		transcriber := &MockTranscriber{Text: "talk"}
		p := newTestPipeline(transcriber, extractorReplying("not json"),
			&MockSpeech{}, &MockStore{}, NewMockArtifacts())

		_, err := p.Finalize(context.Background(), []byte("x"), "")
		if FailingStage(err) != StageExtraction {
			t.Errorf("expected extraction stage, got %v", err)
		}
	})

	t.Run("synthesis", func(t *testing.T) {
		transcriber := &MockTranscriber{Text: "talk"}
		speech := &MockSpeech{Err: errors.New("voice down")}
		p := newTestPipeline(transcriber,
			extractorReplying(`{"instructions": ["do it"]}`),
			speech, &MockStore{}, NewMockArtifacts())

		_, err := p.Finalize(context.Background(), []byte("x"), "")
		if FailingStage(err) != StageSynthesis {
			t.Errorf("expected synthesis stage, got %v", err)
		}
	})
}

func TestFinalizePersistenceAtomic(t *testing.T) {
	transcriber := &MockTranscriber{Text: "talk"}
	jobs := &MockStore{CreateErr: errors.New("disk full")}
	artifacts := NewMockArtifacts()
	p := newTestPipeline(transcriber,
		extractorReplying(`{"instructions": ["do the thing"]}`),
		&MockSpeech{}, jobs, artifacts)

	_, err := p.Finalize(context.Background(), []byte("x"), "")
	if FailingStage(err) != StagePersistence {
		t.Fatalf("expected persistence stage, got %v", err)
	}
	if len(artifacts.Removed) != 1 {
		t.Error("partial artifacts were not removed")
	}
	if len(artifacts.Refs) != 0 {
		t.Errorf("artifacts left behind: %v", artifacts.Refs)
	}
}
