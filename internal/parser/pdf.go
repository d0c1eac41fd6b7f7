package parser

import (
	"fmt"

	"github.com/gen2brain/go-fitz"

	"github.com/quarry-ai/quarry/internal/models"
)

// parsePDF extracts page text through MuPDF. Pages that fail to render are
// skipped with a warning rather than failing the whole document.
func (p *Parser) parsePDF(data []byte) ([]models.Block, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, models.InputFault("parser.pdf", fmt.Errorf("%w: %v", models.ErrCorruptInput, err))
	}
	defer doc.Close()

	var blocks []models.Block
	for i := 0; i < doc.NumPage(); i++ {
		text, err := doc.Text(i)
		if err != nil {
			p.logger.WithError(err).WithField("page", i+1).Warn("Skipping unreadable PDF page")
			continue
		}
		for _, para := range splitParagraphs(text) {
			blocks = append(blocks, models.Block{Text: para, Page: i + 1})
		}
	}
	return blocks, nil
}
