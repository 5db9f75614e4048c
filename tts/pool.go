package tts

import (
	"bytes"
	"context"
	"fmt"
	"sync"
)

// GenerateAll synthesizes every text with a bounded worker pool and
// returns the clips in input order. The first failure cancels the
// remaining work and fails the whole batch.
func GenerateAll(
	ctx context.Context,
	gen SpeechGenerator,
	texts []string,
	workers int,
) ([][]byte, error) {
	if workers <= 0 {
		workers = 1
	}
	if workers > len(texts) {
		workers = len(texts)
	}
	if len(texts) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type task struct {
		index int
		text  string
	}

	tasks := make(chan task)
	clips := make([][]byte, len(texts))
	errs := make(chan error, workers)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range tasks {
				var buf bytes.Buffer
				if err := gen.TextToSpeechStreaming(ctx, t.text, &buf); err != nil {
					errs <- fmt.Errorf("synthesize step %d: %w", t.index, err)
					cancel()
					return
				}
				clips[t.index] = buf.Bytes()
			}
		}()
	}

dispatch:
	for i, text := range texts {
		select {
		case tasks <- task{index: i, text: text}:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(tasks)
	wg.Wait()
	close(errs)

	if err := <-errs; err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return clips, nil
}
