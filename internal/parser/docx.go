package parser

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/quarry-ai/quarry/internal/models"
	"github.com/quarry-ai/quarry/internal/tokenizer"
)

// parseDOCX walks word/document.xml inside the zip container. Paragraphs map
// to blocks; paragraphs styled Heading* set the section for what follows.
func parseDOCX(data []byte) ([]models.Block, error) {
	const op = "parser.docx"

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, models.InputFault(op, fmt.Errorf("%w: %v", models.ErrCorruptInput, err))
	}

	var docFile *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			docFile = f
			break
		}
	}
	if docFile == nil {
		return nil, models.InputFault(op, fmt.Errorf("%w: missing word/document.xml", models.ErrCorruptInput))
	}

	rc, err := docFile.Open()
	if err != nil {
		return nil, models.InputFault(op, fmt.Errorf("%w: %v", models.ErrCorruptInput, err))
	}
	defer rc.Close()

	dec := xml.NewDecoder(rc)
	var (
		blocks    []models.Block
		para      strings.Builder
		section   string
		isHeading bool
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, models.InputFault(op, fmt.Errorf("%w: %v", models.ErrCorruptInput, err))
		}

		switch el := tok.(type) {
		case xml.StartElement:
			switch el.Name.Local {
			case "pStyle":
				for _, attr := range el.Attr {
					if attr.Name.Local == "val" && strings.HasPrefix(attr.Value, "Heading") {
						isHeading = true
					}
				}
			case "t":
				var text string
				if err := dec.DecodeElement(&text, &el); err != nil {
					return nil, models.InputFault(op, fmt.Errorf("%w: %v", models.ErrCorruptInput, err))
				}
				para.WriteString(text)
			case "tab", "br", "cr":
				para.WriteByte(' ')
			}
		case xml.EndElement:
			if el.Name.Local != "p" {
				continue
			}
			text := tokenizer.Normalize(para.String())
			para.Reset()
			if text == "" {
				isHeading = false
				continue
			}
			if isHeading {
				section = text
				isHeading = false
			}
			blocks = append(blocks, models.Block{Text: text, Section: section})
		}
	}

	return blocks, nil
}
