package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/quarry-ai/quarry/internal/concurrency"
	"github.com/quarry-ai/quarry/internal/embedding"
	"github.com/quarry-ai/quarry/internal/index"
	"github.com/quarry-ai/quarry/internal/models"
	"github.com/quarry-ai/quarry/internal/observability"
	"github.com/quarry-ai/quarry/internal/parser"
)

// DocumentParser turns one raw document into parsed blocks in reading
// order.
type DocumentParser interface {
	Parse(ctx context.Context, raw parser.Raw) ([]models.Block, error)
}

// DocumentChunker splits parsed blocks into chunks with deterministic
// identities.
type DocumentChunker interface {
	Chunk(documentID uuid.UUID, blocks []models.Block) ([]models.Chunk, error)
}

// IngestStatus is the terminal outcome reported for one document.
type IngestStatus string

const (
	IngestAccepted IngestStatus = "accepted"
	IngestRejected IngestStatus = "rejected"
)

// IngestRequest is one raw document handed to the pipeline. Data is
// transient: it is parsed, chunked and dropped, never persisted.
type IngestRequest struct {
	SourceURI string `json:"source_uri"`
	MIMEType  string `json:"mime_type"`
	Data      []byte `json:"-"`
}

// IngestReceipt reports what happened to one document. Rejected receipts
// carry the reason; accepted receipts note when the content was unchanged
// or superseded an earlier version.
type IngestReceipt struct {
	DocumentID uuid.UUID    `json:"document_id"`
	Status     IngestStatus `json:"status"`
	Reason     string       `json:"reason,omitempty"`
}

// BatchResult pairs one document's receipt with the system error that
// stopped it, if any. Exactly one of the two carries information.
type BatchResult struct {
	Receipt IngestReceipt
	Err     error
}

// Ingestor drives raw documents through parse, chunk, embed and index. A
// shared semaphore bounds concurrent document processing across all
// callers.
type Ingestor struct {
	parser   DocumentParser
	chunker  DocumentChunker
	embedder embedding.Embedder
	store    index.Store
	metrics  *observability.Collector
	config   *Config
	logger   *logrus.Logger
	sem      *concurrency.Semaphore
}

// NewIngestor creates an ingestion service over the given stages.
func NewIngestor(docParser DocumentParser, docChunker DocumentChunker, embedder embedding.Embedder, store index.Store, metrics *observability.Collector, config *Config, logger *logrus.Logger) (*Ingestor, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = logrus.New()
	}
	if metrics == nil {
		metrics = observability.NewCollector(observability.DefaultNamespace)
	}

	const op = "pipeline.ingestor"
	if docParser == nil {
		return nil, models.InputFault(op, errors.New("parser is required"))
	}
	if docChunker == nil {
		return nil, models.InputFault(op, errors.New("chunker is required"))
	}
	if embedder == nil {
		return nil, models.InputFault(op, errors.New("embedder is required"))
	}
	if store == nil {
		return nil, models.InputFault(op, errors.New("store is required"))
	}

	return &Ingestor{
		parser:   docParser,
		chunker:  docChunker,
		embedder: embedder,
		store:    store,
		metrics:  metrics,
		config:   config,
		logger:   logger,
		sem:      concurrency.NewSemaphore(config.MaxConcurrentIngests),
	}, nil
}

// Ingest processes one document end to end.
//
// Documents rejected on their own merits (unsupported format, corrupt or
// oversized input, no indexable text) come back as a rejected receipt with
// a nil error; the caller's input will not improve by retrying. A non-nil
// error means the pipeline itself failed (embedding or index backend down,
// context cancelled) and the same document may succeed later.
//
// Re-ingesting unchanged content is a no-op: the receipt is accepted with
// reason "content unchanged" and the index is untouched. Changed content
// supersedes the prior version, replacing its chunks atomically from the
// reader's point of view of the document record.
func (i *Ingestor) Ingest(ctx context.Context, req IngestRequest) (IngestReceipt, error) {
	if err := i.sem.Acquire(ctx); err != nil {
		return IngestReceipt{}, err
	}
	defer i.sem.Release()

	start := time.Now()
	if strings.TrimSpace(req.SourceURI) == "" {
		return i.reject(uuid.Nil, req, "source_uri is required"), nil
	}

	docID := models.NewDocumentID(req.SourceURI)
	sum := sha256.Sum256(req.Data)
	hash := hex.EncodeToString(sum[:])

	version := 1
	prior := 0
	existing, err := i.store.GetDocument(ctx, docID)
	switch {
	case err == nil && existing.ContentHash == hash:
		i.metrics.DocumentsIngested.WithLabelValues(observability.OutcomeSkipped).Inc()
		i.logger.WithFields(logrus.Fields{
			"document_id": docID,
			"source_uri":  req.SourceURI,
			"version":     existing.Version,
		}).Debug("Document content unchanged")
		return IngestReceipt{DocumentID: docID, Status: IngestAccepted, Reason: "content unchanged"}, nil
	case err == nil:
		version = existing.Version + 1
		prior = existing.Version
	case errors.Is(err, models.ErrNotFound):
	default:
		return IngestReceipt{}, err
	}

	blocks, err := i.parser.Parse(ctx, parser.Raw{
		SourceURI: req.SourceURI,
		MIMEType:  req.MIMEType,
		Data:      req.Data,
	})
	if err != nil {
		// Parse failures are the document's fault, except when a
		// parsing backend (OCR) is unreachable.
		if models.KindOf(err) == models.FaultBackendUnavailable {
			return IngestReceipt{}, err
		}
		return i.reject(docID, req, err.Error()), nil
	}

	chunks, err := i.chunker.Chunk(docID, blocks)
	if err != nil {
		return i.reject(docID, req, err.Error()), nil
	}
	if len(chunks) == 0 {
		return i.reject(docID, req, "document has no indexable text"), nil
	}

	texts := make([]string, len(chunks))
	for n, c := range chunks {
		texts[n] = c.Text
	}

	embedStart := time.Now()
	vectors, err := i.embedder.Embed(ctx, texts)
	if err != nil {
		return IngestReceipt{}, err
	}
	i.metrics.EmbedLatency.WithLabelValues(i.embedder.ModelID()).Observe(time.Since(embedStart).Seconds())

	entries := make([]models.IndexEntry, len(chunks))
	for n, c := range chunks {
		if c.Metadata == nil {
			c.Metadata = make(map[string]string, 1)
		}
		c.Metadata["source"] = req.SourceURI
		entries[n] = models.IndexEntry{
			Chunk: c,
			Embedding: models.Embedding{
				ChunkID: c.ID,
				Vector:  vectors[n],
				ModelID: i.embedder.ModelID(),
			},
		}
	}

	if version > 1 {
		if _, err := i.store.DeleteByDocument(ctx, docID); err != nil {
			return IngestReceipt{}, err
		}
	}
	if err := i.store.Upsert(ctx, entries); err != nil {
		return IngestReceipt{}, err
	}
	if err := i.store.PutDocument(ctx, models.Document{
		ID:          docID,
		SourceURI:   req.SourceURI,
		MIMEType:    req.MIMEType,
		ContentHash: hash,
		Version:     version,
		IngestedAt:  time.Now().UTC(),
	}); err != nil {
		return IngestReceipt{}, err
	}

	outcome := observability.OutcomeAccepted
	reason := ""
	if version > 1 {
		outcome = observability.OutcomeSuperseded
		reason = fmt.Sprintf("superseded version %d", prior)
	}
	i.metrics.DocumentsIngested.WithLabelValues(outcome).Inc()
	i.metrics.ChunksIndexed.Add(float64(len(entries)))
	i.metrics.IngestDuration.Observe(time.Since(start).Seconds())

	i.logger.WithFields(logrus.Fields{
		"document_id": docID,
		"source_uri":  req.SourceURI,
		"chunks":      len(entries),
		"version":     version,
		"elapsed":     time.Since(start),
	}).Info("Document ingested")

	return IngestReceipt{DocumentID: docID, Status: IngestAccepted, Reason: reason}, nil
}

// IngestBatch processes documents concurrently, bounded by the shared
// semaphore. Outcomes land in the returned slice in request order; each
// document succeeds or fails on its own, a failure never aborts its
// siblings. The returned error is the first system failure across the
// batch, nil when every document was indexed or rejected on its own
// merits.
func (i *Ingestor) IngestBatch(ctx context.Context, reqs []IngestRequest) ([]BatchResult, error) {
	results := make([]BatchResult, len(reqs))

	var g errgroup.Group
	for n := range reqs {
		g.Go(func() error {
			receipt, err := i.Ingest(ctx, reqs[n])
			results[n] = BatchResult{Receipt: receipt, Err: err}
			return err
		})
	}
	err := g.Wait()

	i.logger.WithFields(logrus.Fields{
		"documents": len(reqs),
		"failed":    countFailed(results),
	}).Info("Ingest batch finished")

	return results, err
}

func countFailed(results []BatchResult) int {
	n := 0
	for _, r := range results {
		if r.Err != nil || r.Receipt.Status == IngestRejected {
			n++
		}
	}
	return n
}

func (i *Ingestor) reject(docID uuid.UUID, req IngestRequest, reason string) IngestReceipt {
	i.metrics.DocumentsIngested.WithLabelValues(observability.OutcomeRejected).Inc()
	i.logger.WithFields(logrus.Fields{
		"source_uri": req.SourceURI,
		"mime_type":  req.MIMEType,
		"reason":     reason,
	}).Warn("Document rejected")
	return IngestReceipt{DocumentID: docID, Status: IngestRejected, Reason: reason}
}
