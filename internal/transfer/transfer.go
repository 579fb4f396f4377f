package transfer

import (
	"context"
	"errors"
	"fmt"

	"image-batch-go/internal/compressor"
	"image-batch-go/internal/items"
	"image-batch-go/internal/results"
)

// ErrTransfer matches every error produced by a Client.
var ErrTransfer = errors.New("transfer failed")

// ProgressFunc receives upload progress in percent. Values arrive in order and never decrease.
type ProgressFunc func(percent int)

// Client exchanges batches and results with the compression service.
// Implementations keep no state between calls and never retry.
type Client interface {
	// SubmitBatch uploads all items with the given settings and waits for the service's answer.
	SubmitBatch(ctx context.Context, batch []items.InputItem, settings compressor.Settings, onProgress ProgressFunc) (*results.Batch, error)
	// FetchOne downloads the compressed bytes of one result.
	FetchOne(ctx context.Context, resultID string) (*Blob, error)
	// FetchArchive downloads a single archive with every result of the current batch.
	FetchArchive(ctx context.Context) (*Blob, error)
}

// Blob is a downloaded payload.
type Blob struct {
	Data        []byte
	ContentType string
	FileName    string
}

// Error describes a failed exchange with the service.
type Error struct {
	Op         string // "submit", "fetch", "fetch-archive"
	StatusCode int    // 0 when no response was received
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == ErrTransfer
}
