// Package transcribe provides authoritative batch transcription of a
// complete recording, as opposed to the lossy live preview in stt.
package transcribe

import (
	"context"
	"io"
)

// Transcriber converts one complete audio payload into text. The
// filename carries the container extension some backends sniff.
type Transcriber interface {
	Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error)
}
