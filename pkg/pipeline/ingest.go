package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/xhad/docchat/internal/models"
	"github.com/xhad/docchat/internal/types"
	"github.com/xhad/docchat/pkg/store"
)

// ErrNoText is returned when a document has pages but none carry text.
var ErrNoText = fmt.Errorf("document contains no extractable text: %w", types.ErrValidation)

type IngestConfig struct {
	// EmbedBatchSize caps how many chunk texts go into one embedding call.
	EmbedBatchSize int
	Batcher        store.BatcherConfig
	Timeout        time.Duration
	// Compensate deletes vectors written by a run that fails afterwards,
	// unless an earlier upload of the same source still owns them.
	Compensate bool
}

// Ingestor runs Received → FileStored → Extracted → Chunked → Embedded →
// Indexed → SessionRecorded → Done. Each state is attempted once and
// nothing is undone on failure unless Compensate is set.
type Ingestor struct {
	handles Handles
	config  IngestConfig
}

func NewIngestor(handles Handles, config IngestConfig) *Ingestor {
	if config.EmbedBatchSize <= 0 {
		config.EmbedBatchSize = 100
	}
	return &Ingestor{handles: handles, config: config}
}

func (in *Ingestor) Ingest(ctx context.Context, upload models.Upload, opts ...RunOption) (*models.IngestResult, error) {
	if in.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, in.config.Timeout)
		defer cancel()
	}
	r := newRun("ingest", opts)

	r.enter(StepReceived)
	if err := validateUpload(upload); err != nil {
		return nil, r.fail(err)
	}
	if err := admit(ctx, in.handles, upload.UserID); err != nil {
		return nil, r.fail(err)
	}

	r.enter(StepFileStored)
	fileURL, err := in.handles.Storage.Store(ctx, upload.FileName, upload.Data)
	if err != nil {
		return nil, r.fail(err)
	}
	log.Printf("[ingest] stored %s at %s", upload.FileName, fileURL)

	r.enter(StepExtracted)
	pages, err := in.handles.Extractor.Extract(upload.Data)
	if err != nil {
		return nil, r.fail(err)
	}

	r.enter(StepChunked)
	chunks := in.handles.Processor.Process(upload.UserID, upload.FileName, pages)
	if len(chunks) == 0 {
		return nil, r.fail(ErrNoText)
	}
	log.Printf("[ingest] %s: %d pages, %d chunks", upload.FileName, len(pages), len(chunks))

	r.enter(StepEmbedded)
	if err := in.embed(ctx, r, chunks); err != nil {
		return nil, r.fail(err)
	}

	r.enter(StepIndexed)
	records := make([]models.VectorRecord, len(chunks))
	for i, c := range chunks {
		records[i] = c.Record()
	}
	written := &writtenIDs{}
	batcherConfig := in.config.Batcher
	batcherConfig.OnProgress = r.progress
	batcherConfig.OnWritten = written.add
	if _, err := store.NewBatcher(in.handles.Index, batcherConfig).Upsert(ctx, records); err != nil {
		in.compensate(upload, written.list())
		return nil, r.fail(err)
	}

	r.enter(StepSessionRecorded)
	name := upload.FileName
	chat, err := in.handles.Chats.CreateChat(ctx, models.ChatSession{
		UserID:  upload.UserID,
		Name:    name,
		PDFName: &name,
		FileURL: &fileURL,
	})
	if err != nil {
		in.compensate(upload, written.list())
		return nil, r.fail(err)
	}

	r.done()
	return &models.IngestResult{
		ChatID:  chat.ID,
		Chunks:  len(chunks),
		Pages:   len(pages),
		FileURL: fileURL,
	}, nil
}

// embed fills chunk vectors in groups of EmbedBatchSize, keeping input order.
func (in *Ingestor) embed(ctx context.Context, r *run, chunks []models.Chunk) error {
	size := in.config.EmbedBatchSize
	for offset := 0; offset < len(chunks); offset += size {
		end := offset + size
		if end > len(chunks) {
			end = len(chunks)
		}

		texts := make([]string, end-offset)
		for i := range texts {
			texts[i] = chunks[offset+i].Text
		}

		vectors, err := in.handles.Embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("chunks [%d:%d]: %w", offset, end, err)
		}
		if len(vectors) != len(texts) {
			return fmt.Errorf("chunks [%d:%d]: got %d vectors", offset, end, len(vectors))
		}
		for i, v := range vectors {
			chunks[offset+i].Vector = v
		}
		r.progress(end, len(chunks))
	}
	return nil
}

// writtenIDs collects the ids of sub-batches the index accepted.
type writtenIDs struct {
	mu  sync.Mutex
	ids []string
}

func (w *writtenIDs) add(batch []models.VectorRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, rec := range batch {
		w.ids = append(w.ids, rec.ID)
	}
}

func (w *writtenIDs) list() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.ids...)
}

// compensate removes the vectors this run wrote. Chunk ids are derived from
// owner, source and position, so a source already bound to one of the
// owner's chats shares its ids with that chat and is left alone. It uses its
// own context because the run's context may be what failed.
func (in *Ingestor) compensate(upload models.Upload, ids []string) {
	if !in.config.Compensate || len(ids) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	owned, err := in.sourceInUse(ctx, upload.UserID, upload.FileName)
	if err != nil {
		log.Printf("[ingest] not deleting %d vectors, failed to check earlier uploads: %v", len(ids), err)
		return
	}
	if owned {
		log.Printf("[ingest] keeping %d vectors, %s is bound to an existing chat", len(ids), upload.FileName)
		return
	}

	if err := in.handles.Index.Delete(ctx, ids); err != nil {
		log.Printf("[ingest] failed to delete %d partially written vectors: %v", len(ids), err)
		return
	}
	log.Printf("[ingest] deleted %d partially written vectors", len(ids))
}

func (in *Ingestor) sourceInUse(ctx context.Context, userID, source string) (bool, error) {
	chats, err := in.handles.Chats.ListChats(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, c := range chats {
		if c.BoundDocument() == source {
			return true, nil
		}
	}
	return false, nil
}

func validateUpload(upload models.Upload) error {
	if len(upload.Data) == 0 {
		return fmt.Errorf("no file provided: %w", types.ErrValidation)
	}
	if upload.FileName == "" {
		return fmt.Errorf("file name is required: %w", types.ErrValidation)
	}
	if !strings.EqualFold(filepath.Ext(upload.FileName), ".pdf") &&
		upload.ContentType != "" && upload.ContentType != "application/pdf" {
		return fmt.Errorf("only PDF files are supported: %w", types.ErrValidation)
	}
	return nil
}

// IsUpstream reports whether err came from a pipeline step rather than
// from the caller's input or identity.
func IsUpstream(err error) bool {
	var stepErr *StepError
	if !errors.As(err, &stepErr) {
		return false
	}
	for _, kind := range []error{types.ErrUnauthenticated, types.ErrNotEntitled, types.ErrValidation, types.ErrNotFound} {
		if errors.Is(err, kind) {
			return false
		}
	}
	return true
}
