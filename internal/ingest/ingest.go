// Package ingest validates uploaded study manuals and extracts their text.
package ingest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/ledongthuc/pdf"
)

var (
	// ErrNotPDF means the uploaded payload is not a PDF, regardless of what
	// the filename claims.
	ErrNotPDF = errors.New("uploaded file is not a PDF")
	// ErrTooLarge means the upload exceeds the configured size cap.
	ErrTooLarge = errors.New("uploaded file is too large")
	// ErrEmptyUpload means the upload carried no bytes.
	ErrEmptyUpload = errors.New("uploaded file is empty")
)

// Extractor turns PDF uploads into plain text. Extraction results are cached
// by filename and content hash, so re-uploading the same manual between
// rounds skips the parse.
type Extractor struct {
	maxBytes int64

	mu    sync.Mutex
	cache map[string]string
}

// New returns an Extractor that rejects uploads larger than maxUploadMB.
func New(maxUploadMB int64) *Extractor {
	return &Extractor{
		maxBytes: maxUploadMB * 1024 * 1024,
		cache:    make(map[string]string),
	}
}

// MaxBytes reports the upload size cap in bytes.
func (e *Extractor) MaxBytes() int64 {
	return e.maxBytes
}

// Extract sniffs the payload, extracts text from every page and returns the
// concatenated result. A well-formed but image-only PDF returns ("", nil);
// callers should warn the user that scanned manuals need OCR first.
func (e *Extractor) Extract(name string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyUpload
	}
	if e.maxBytes > 0 && int64(len(data)) > e.maxBytes {
		return "", fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}

	// Trust the bytes, not the filename or the client Content-Type.
	if mt := mimetype.Detect(data); !mt.Is("application/pdf") {
		return "", fmt.Errorf("%w: detected %s", ErrNotPDF, mt.String())
	}

	key := cacheKey(name, data)
	e.mu.Lock()
	text, ok := e.cache[key]
	e.mu.Unlock()
	if ok {
		return text, nil
	}

	text, err := extractText(data)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	e.cache[key] = text
	e.mu.Unlock()
	return text, nil
}

func cacheKey(name string, data []byte) string {
	sum := sha256.Sum256(data)
	return name + ":" + hex.EncodeToString(sum[:])
}

// extractText walks the PDF and returns the plain text of all pages. The pdf
// package panics on some malformed documents, so the walk is fenced with a
// recover.
func extractText(data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf extraction failed: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extract pdf text: %w", err)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(plain); err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}
