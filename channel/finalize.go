package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/beingfastian/APD-Listener-Tool/store"
)

// HTTPFinalizer submits a complete recording over plain HTTP. It backs
// the upload flow and the save fallback when the live channel is
// degraded: the audio was buffered locally, so a dead socket never
// costs the recording.
type HTTPFinalizer struct {
	serverURL string
	client    *http.Client
	logger    *log.Logger
}

func NewHTTPFinalizer(serverURL string, logger *log.Logger) *HTTPFinalizer {
	if logger == nil {
		logger = log.Default()
	}
	return &HTTPFinalizer{
		serverURL: strings.TrimSuffix(serverURL, "/"),
		client:    &http.Client{Timeout: 10 * time.Minute},
		logger:    logger,
	}
}

func (f *HTTPFinalizer) Finalize(
	ctx context.Context,
	audio []byte,
	transcriptHint string,
) (*store.Job, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("audio", "recording.ogg")
	if err != nil {
		return nil, fmt.Errorf("build upload form: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return nil, fmt.Errorf("write audio part: %w", err)
	}
	if transcriptHint != "" {
		if err := writer.WriteField("transcript_hint", transcriptHint); err != nil {
			return nil, fmt.Errorf("write hint field: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close upload form: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, f.serverURL+"/api/jobs", body)
	if err != nil {
		return nil, fmt.Errorf("build finalize request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	f.logger.Info("submitting recording", "bytes", len(audio))
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("submit recording: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, decodeError(resp)
	}

	var job store.Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}

func decodeError(resp *http.Response) error {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("finalize failed with status %d", resp.StatusCode)
	}

	var payload struct {
		Code    string `json:"code"`
		Stage   string `json:"stage"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &payload); err == nil && payload.Message != "" {
		if payload.Stage != "" {
			return fmt.Errorf("finalize failed in %s stage: %s (%s)",
				payload.Stage, payload.Message, payload.Code)
		}
		return fmt.Errorf("finalize failed: %s (%s)", payload.Message, payload.Code)
	}
	return fmt.Errorf("finalize failed with status %d: %s",
		resp.StatusCode, strings.TrimSpace(string(data)))
}
