// Package pipeline runs the one-shot finalization of a recording:
// authoritative transcription, instruction extraction, speech
// synthesis, and atomic persistence of the resulting job.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"

	"github.com/beingfastian/APD-Listener-Tool/etc"
	"github.com/beingfastian/APD-Listener-Tool/llm"
	"github.com/beingfastian/APD-Listener-Tool/store"
	"github.com/beingfastian/APD-Listener-Tool/transcribe"
	"github.com/beingfastian/APD-Listener-Tool/tts"
)

// Artifacts is the subset of the artifact store the pipeline needs.
type Artifacts interface {
	Put(jobID, name string, r io.Reader) (string, error)
	RemoveJob(jobID string) error
}

type Pipeline struct {
	transcriber transcribe.Transcriber
	extractor   *llm.Extractor
	speech      tts.SpeechGenerator
	jobs        store.Store
	artifacts   Artifacts
	webhook     *Webhook
	workers     int
	logger      *log.Logger
}

func New(
	transcriber transcribe.Transcriber,
	extractor *llm.Extractor,
	speech tts.SpeechGenerator,
	jobs store.Store,
	artifacts Artifacts,
	workers int,
	logger *log.Logger,
) *Pipeline {
	if logger == nil {
		logger = log.Default()
	}
	if workers <= 0 {
		workers = 8
	}
	return &Pipeline{
		transcriber: transcriber,
		extractor:   extractor,
		speech:      speech,
		jobs:        jobs,
		artifacts:   artifacts,
		workers:     workers,
		logger:      logger,
	}
}

// WithWebhook makes the pipeline POST every completed job to a URL.
func (p *Pipeline) WithWebhook(w *Webhook) *Pipeline {
	p.webhook = w
	return p
}

// Finalize runs the whole pipeline over a complete recording. The
// live transcript, when available, travels only as a hint; the
// authoritative text comes from re-transcribing the audio. The caller
// sees either a fully persisted job or a StageError naming the first
// stage that failed.
func (p *Pipeline) Finalize(
	ctx context.Context,
	audio []byte,
	transcriptHint string,
) (*store.Job, error) {
	if len(audio) == 0 {
		return nil, &StageError{Stage: StageTranscription, Err: ErrEmptyAudio}
	}

	jobID := etc.NewFreshID()
	started := time.Now()
	p.logger.Info("finalize", "job", jobID, "bytes", len(audio))

	transcript, err := p.transcriber.Transcribe(
		ctx,
		jobID+".ogg",
		bytes.NewReader(audio),
	)
	if err != nil {
		return nil, &StageError{Stage: StageTranscription, Err: err}
	}
	if transcript == "" {
		if transcriptHint == "" {
			return nil, &StageError{Stage: StageTranscription, Err: ErrNoSpeech}
		}
		// The live preview heard something even though the batch pass
		// came back empty; trust the hint over failing the save.
		transcript = transcriptHint
	}

	sentences, err := p.extractor.Extract(ctx, transcript)
	if err != nil {
		return nil, &StageError{Stage: StageExtraction, Err: err}
	}

	instructions := make([]store.Instruction, 0, len(sentences))
	var stepTexts []string
	for _, sentence := range sentences {
		steps := llm.SplitSteps(sentence)
		instruction := store.Instruction{Text: sentence}
		for _, text := range steps {
			instruction.Steps = append(instruction.Steps, store.Step{Text: text})
			stepTexts = append(stepTexts, text)
		}
		instructions = append(instructions, instruction)
	}

	clips, err := tts.GenerateAll(ctx, p.speech, stepTexts, p.workers)
	if err != nil {
		return nil, &StageError{Stage: StageSynthesis, Err: err}
	}

	job := &store.Job{
		ID:            jobID,
		Transcription: transcript,
		Instructions:  instructions,
		CreatedAt:     time.Now().UTC(),
	}
	if err := p.persist(ctx, job, audio, clips); err != nil {
		// No partial jobs: anything already on disk goes away.
		if removeErr := p.artifacts.RemoveJob(jobID); removeErr != nil {
			p.logger.Error("remove partial artifacts",
				"job", jobID, "error", removeErr)
		}
		return nil, &StageError{Stage: StagePersistence, Err: err}
	}

	p.logger.Info("finalized",
		"job", jobID,
		"instructions", len(job.Instructions),
		"elapsed", time.Since(started))

	if p.webhook != nil {
		go p.webhook.Notify(context.WithoutCancel(ctx), job)
	}
	return job, nil
}

func (p *Pipeline) persist(
	ctx context.Context,
	job *store.Job,
	audio []byte,
	clips [][]byte,
) error {
	audioRef, err := p.artifacts.Put(job.ID, "recording.ogg", bytes.NewReader(audio))
	if err != nil {
		return fmt.Errorf("store recording: %w", err)
	}
	job.AudioRef = audioRef

	clip := 0
	for i := range job.Instructions {
		for j := range job.Instructions[i].Steps {
			name := fmt.Sprintf("instruction_%d_step_%d.mp3", i, j)
			ref, err := p.artifacts.Put(job.ID, name, bytes.NewReader(clips[clip]))
			if err != nil {
				return fmt.Errorf("store clip %s: %w", name, err)
			}
			job.Instructions[i].Steps[j].AudioRef = ref
			clip++
		}
	}

	if err := p.jobs.CreateJob(ctx, job); err != nil {
		return fmt.Errorf("persist job: %w", err)
	}
	return nil
}
