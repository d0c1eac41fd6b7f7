// Package parser turns raw document bytes into ordered text blocks with
// page and section metadata. Parsing is deterministic for a given input;
// only image recognition reaches out to a configured OCR backend.
package parser

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/quarry-ai/quarry/internal/models"
)

const (
	MIMEText     = "text/plain"
	MIMEMarkdown = "text/markdown"
	MIMEHTML     = "text/html"
	MIMEXHTML    = "application/xhtml+xml"
	MIMEPDF      = "application/pdf"
	MIMEDOCX     = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MIMEPNG      = "image/png"
	MIMEJPEG     = "image/jpeg"
	MIMETIFF     = "image/tiff"
)

// Raw is an unparsed document as handed to the pipeline: declared MIME type
// plus content bytes. The bytes are never persisted.
type Raw struct {
	SourceURI string
	MIMEType  string
	Data      []byte
}

type Config struct {
	// MaxDocumentBytes caps the size of a single document; larger inputs
	// are rejected before any decoding work happens.
	MaxDocumentBytes int64 `yaml:"max_document_bytes"`
}

func DefaultConfig() *Config {
	return &Config{
		MaxDocumentBytes: 64 << 20,
	}
}

func (c *Config) Validate() error {
	if c.MaxDocumentBytes <= 0 {
		return fmt.Errorf("%w: max_document_bytes must be positive", models.ErrInvalidConfig)
	}
	return nil
}

// Parser dispatches raw documents to per-format handlers.
type Parser struct {
	config *Config
	logger *logrus.Logger
	ocr    OCRClient
}

func NewParser(config *Config, logger *logrus.Logger) *Parser {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Parser{
		config: config,
		logger: logger,
	}
}

// SetOCRClient attaches an OCR backend for image documents. Without one,
// image MIME types are rejected as unsupported.
func (p *Parser) SetOCRClient(client OCRClient) {
	p.ocr = client
}

// Parse extracts the text blocks of a raw document in reading order. It
// returns an input fault wrapping ErrUnsupportedFormat for unknown MIME
// types and ErrCorruptInput for undecodable bytes.
func (p *Parser) Parse(ctx context.Context, raw Raw) ([]models.Block, error) {
	const op = "parser.parse"

	if len(raw.Data) == 0 {
		return nil, models.InputFault(op, fmt.Errorf("%w: empty document", models.ErrCorruptInput))
	}
	if int64(len(raw.Data)) > p.config.MaxDocumentBytes {
		return nil, models.ExhaustedFault(op, fmt.Errorf("document size %d exceeds limit %d", len(raw.Data), p.config.MaxDocumentBytes))
	}

	mimeType := normalizeMIME(raw.MIMEType, raw.SourceURI)

	var (
		blocks []models.Block
		err    error
	)
	switch mimeType {
	case MIMEText:
		blocks, err = parseText(raw.Data, false)
	case MIMEMarkdown:
		blocks, err = parseText(raw.Data, true)
	case MIMEHTML, MIMEXHTML:
		blocks, err = parseHTML(raw.Data)
	case MIMEPDF:
		blocks, err = p.parsePDF(raw.Data)
	case MIMEDOCX:
		blocks, err = parseDOCX(raw.Data)
	case MIMEPNG, MIMEJPEG, MIMETIFF:
		blocks, err = p.parseImage(ctx, raw.Data, mimeType)
	default:
		return nil, models.InputFault(op, fmt.Errorf("%w: %q", models.ErrUnsupportedFormat, raw.MIMEType))
	}
	if err != nil {
		return nil, err
	}

	p.logger.WithFields(logrus.Fields{
		"source_uri": raw.SourceURI,
		"mime_type":  mimeType,
		"blocks":     len(blocks),
	}).Debug("Parsed document")

	return blocks, nil
}

func (p *Parser) parseImage(ctx context.Context, data []byte, mimeType string) ([]models.Block, error) {
	const op = "parser.ocr"

	if p.ocr == nil {
		return nil, models.InputFault(op, fmt.Errorf("%w: %s requires an OCR backend", models.ErrUnsupportedFormat, mimeType))
	}
	text, err := p.ocr.Recognize(ctx, data, mimeType)
	if err != nil {
		return nil, models.BackendFault(op, fmt.Errorf("ocr recognition failed: %w", err))
	}

	var blocks []models.Block
	for _, para := range splitParagraphs(text) {
		blocks = append(blocks, models.Block{Text: para, Page: 1})
	}
	return blocks, nil
}

// normalizeMIME lowercases the declared type, strips parameters such as
// charset, and falls back to the source extension when no type was declared.
// Supported reports whether the parser recognizes the document type
// declared by mimeType or implied by the source URI extension. Callers use
// it to filter directory walks before reading file contents.
func Supported(mimeType, sourceURI string) bool {
	switch normalizeMIME(mimeType, sourceURI) {
	case MIMEText, MIMEMarkdown, MIMEHTML, MIMEXHTML, MIMEPDF, MIMEDOCX, MIMEPNG, MIMEJPEG, MIMETIFF:
		return true
	}
	return false
}

func normalizeMIME(mimeType, sourceURI string) string {
	m := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(m, ';'); i >= 0 {
		m = strings.TrimSpace(m[:i])
	}
	if m != "" {
		return m
	}

	switch strings.ToLower(path.Ext(sourceURI)) {
	case ".txt", ".text":
		return MIMEText
	case ".md", ".markdown":
		return MIMEMarkdown
	case ".html", ".htm":
		return MIMEHTML
	case ".pdf":
		return MIMEPDF
	case ".docx":
		return MIMEDOCX
	case ".png":
		return MIMEPNG
	case ".jpg", ".jpeg":
		return MIMEJPEG
	case ".tif", ".tiff":
		return MIMETIFF
	}
	return ""
}
