// Package extractor guesses structured data from vendor documents.
// Results are advisory only: a missing or wrong vendor is expected.
package extractor

import (
	"bytes"
	"context"
	"os"
	"regexp"
	"strings"

	"procurement/internal/model"

	"github.com/gabriel-vasile/mimetype"
	"github.com/ledongthuc/pdf"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const previewLength = 200

// pricePattern matches the first currency-like amount, e.g. "$1,500.00", "USD 20" or "42".
var pricePattern = regexp.MustCompile(`(\$|USD)?\s?(\d{1,3}(?:,\d{3})*(?:\.\d{2})?)`)

// TextReader turns a document file into plain text.
type TextReader interface {
	ReadText(ctx context.Context, path string) (string, error)
}

type Extractor struct {
	reader TextReader
	log    *logrus.Logger
}

func New(reader TextReader, log *logrus.Logger) *Extractor {
	if reader == nil {
		reader = FileReader{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Extractor{reader: reader, log: log}
}

// Extract never fails: any problem is reported through the Error field.
func (e *Extractor) Extract(ctx context.Context, path string) model.ExtractedData {
	text, err := e.reader.ReadText(ctx, path)
	if err == nil && strings.TrimSpace(text) == "" {
		err = errors.New("no text found in document")
	}
	if err != nil {
		e.log.WithFields(logrus.Fields{"path": path, "error": err}).Warn("document extraction failed")
		msg := err.Error()
		return model.ExtractedData{
			Vendor: model.UnknownVendor,
			Items:  []model.LineItem{},
			Error:  &msg,
		}
	}
	return Parse(text)
}

// Parse applies the text heuristics: first non-blank line as vendor, first
// price-looking token as total and a short preview.
func Parse(text string) model.ExtractedData {
	data := model.ExtractedData{
		Vendor:         model.UnknownVendor,
		Items:          []model.LineItem{},
		RawTextPreview: preview(text, previewLength),
	}

	for _, line := range strings.Split(text, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			data.Vendor = trimmed
			break
		}
	}

	if match := pricePattern.FindString(text); match != "" {
		total := strings.TrimSpace(match)
		data.TotalDetected = &total
	}
	return data
}

func preview(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n])
}

// FileReader reads PDF and plain text documents, detected by content.
type FileReader struct{}

func (FileReader) ReadText(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "", errors.Wrap(err, "detect document type")
	}

	switch {
	case mt.Is("application/pdf"):
		return readPDF(path)
	case mt.Is("text/plain"):
		b, err := os.ReadFile(path)
		if err != nil {
			return "", errors.Wrap(err, "read text document")
		}
		return string(b), nil
	default:
		return "", errors.Errorf("unsupported document type: %s", mt.String())
	}
}

func readPDF(path string) (text string, err error) {
	// the pdf package panics on some malformed files
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("malformed pdf: %v", r)
		}
	}()

	f, r, err := pdf.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "open pdf")
	}
	defer f.Close()

	plain, err := r.GetPlainText()
	if err != nil {
		return "", errors.Wrap(err, "read pdf text")
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(plain); err != nil {
		return "", errors.Wrap(err, "read pdf text")
	}
	return buf.String(), nil
}
