package parser

import (
	"archive/zip"
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-ai/quarry/internal/models"
)

func buildDOCX(t *testing.T, documentXML string) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte(documentXML))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	return buf.Bytes()
}

func TestParseDOCX(t *testing.T) {
	data := buildDOCX(t, `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body>
    <w:p>
      <w:pPr><w:pStyle w:val="Heading1"/></w:pPr>
      <w:r><w:t>Introduction</w:t></w:r>
    </w:p>
    <w:p>
      <w:r><w:t>First paragraph</w:t></w:r>
      <w:r><w:t xml:space="preserve"> continued.</w:t></w:r>
    </w:p>
    <w:p>
      <w:r><w:t>Tabbed</w:t></w:r><w:tab/><w:r><w:t>text</w:t></w:r>
    </w:p>
  </w:body>
</w:document>`)

	p := NewParser(nil, nil)
	blocks, err := p.Parse(context.Background(), Raw{
		SourceURI: "file:///spec.docx",
		MIMEType:  MIMEDOCX,
		Data:      data,
	})

	require.NoError(t, err)
	require.Len(t, blocks, 3)
	assert.Equal(t, "Introduction", blocks[0].Text)
	assert.Equal(t, "Introduction", blocks[0].Section)
	assert.Equal(t, "First paragraph continued.", blocks[1].Text)
	assert.Equal(t, "Introduction", blocks[1].Section)
	assert.Equal(t, "Tabbed text", blocks[2].Text)
}

func TestParseDOCXNotAZip(t *testing.T) {
	p := NewParser(nil, nil)

	_, err := p.Parse(context.Background(), Raw{
		MIMEType: MIMEDOCX,
		Data:     []byte("definitely not a zip archive"),
	})

	assert.ErrorIs(t, err, models.ErrCorruptInput)
}

func TestParseDOCXMissingDocumentXML(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/styles.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte("<styles/>"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	p := NewParser(nil, nil)
	_, err = p.Parse(context.Background(), Raw{MIMEType: MIMEDOCX, Data: buf.Bytes()})

	assert.ErrorIs(t, err, models.ErrCorruptInput)
}

func TestParseDOCXMalformedXML(t *testing.T) {
	data := buildDOCX(t, `<w:document><w:body><w:p><w:r><w:t>unclosed`)

	p := NewParser(nil, nil)
	_, err := p.Parse(context.Background(), Raw{MIMEType: MIMEDOCX, Data: data})

	assert.ErrorIs(t, err, models.ErrCorruptInput)
}
