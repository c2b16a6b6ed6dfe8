package pdf

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"os"

	"github.com/gen2brain/go-fitz"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/rs/zerolog/log"

	"github.com/local/cookscan/internal/storage"
)

// RenderError marks a page-level rendering failure (corrupt page, index out
// of range, unsupported feature). The extraction loop records it and moves on.
type RenderError struct {
	Page   int
	Reason string
	Err    error
}

func (e *RenderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("render page %d: %s: %v", e.Page, e.Reason, e.Err)
	}
	return fmt.Sprintf("render page %d: %s", e.Page, e.Reason)
}

func (e *RenderError) Unwrap() error { return e.Err }

// Document wraps an open PDF for page-by-page rendering and text extraction.
// Pages are 0-based throughout.
type Document struct {
	doc     *fitz.Document
	pages   int
	dpi     int
	quality int
}

// Options controls raster output for AI model input.
type Options struct {
	DPI         int
	JPEGQuality int
}

// Open opens a PDF from a local path. The page count is cross-checked with
// pdfcpu; a mismatch is logged but go-fitz wins since it does the rendering.
func Open(path string, opts Options) (*Document, error) {
	if opts.DPI <= 0 {
		opts.DPI = 150
	}
	if opts.JPEGQuality <= 0 {
		opts.JPEGQuality = 80
	}

	doc, err := fitz.New(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	pages := doc.NumPage()

	if n, err := api.PageCountFile(path); err != nil {
		log.Warn().Err(err).Str("file", path).Msg("pdfcpu page count failed")
	} else if n != pages {
		log.Warn().Int("fitz", pages).Int("pdfcpu", n).Str("file", path).Msg("page count mismatch between renderers")
	}

	return &Document{doc: doc, pages: pages, dpi: opts.DPI, quality: opts.JPEGQuality}, nil
}

// PageCount returns the number of pages in the document.
func (d *Document) PageCount() int { return d.pages }

// Render rasterizes one page to JPEG at the configured DPI. Deterministic for
// a fixed page and options.
func (d *Document) Render(page int) ([]byte, error) {
	if page < 0 || page >= d.pages {
		return nil, &RenderError{Page: page, Reason: fmt.Sprintf("out of range (document has %d pages)", d.pages)}
	}

	img, err := d.doc.ImageDPI(page, float64(d.dpi))
	if err != nil {
		return nil, &RenderError{Page: page, Reason: "rasterize failed", Err: err}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: d.quality}); err != nil {
		return nil, &RenderError{Page: page, Reason: "jpeg encode failed", Err: err}
	}

	log.Debug().
		Int("page", page).
		Int("jpeg_size", buf.Len()).
		Int("dpi", d.dpi).
		Msg("rendered page to jpeg")

	return buf.Bytes(), nil
}

// Text extracts the embedded text layer of one page, cleaned of page-number
// and header/footer noise. Scanned books often have none; empty is fine, the
// text is only classifier context.
func (d *Document) Text(page int) (string, error) {
	if page < 0 || page >= d.pages {
		return "", &RenderError{Page: page, Reason: fmt.Sprintf("out of range (document has %d pages)", d.pages)}
	}
	raw, err := d.doc.Text(page)
	if err != nil {
		return "", &RenderError{Page: page, Reason: "text extraction failed", Err: err}
	}
	return cleanPageText(raw, page+1), nil
}

// Close releases the underlying document.
func (d *Document) Close() error { return d.doc.Close() }

// Decode re-decodes rendered JPEG bytes, used by tests and dimension checks.
func Decode(jpegBytes []byte) (image.Image, error) {
	return jpeg.Decode(bytes.NewReader(jpegBytes))
}

// Opener fetches a cookbook file reference through storage and opens it.
type Opener struct {
	Fetcher *storage.Fetcher
	Opts    Options
}

// Open downloads ref to a temp file and opens it. The returned cleanup
// closes the document and removes the temp file.
func (o *Opener) Open(ctx context.Context, ref, password string) (*Document, func(), error) {
	path, err := o.Fetcher.GetToTempFile(ctx, ref, password, ".pdf")
	if err != nil {
		return nil, nil, fmt.Errorf("fetch %s: %w", ref, err)
	}
	doc, err := Open(path, o.Opts)
	if err != nil {
		os.Remove(path)
		return nil, nil, err
	}
	cleanup := func() {
		doc.Close()
		os.Remove(path)
	}
	return doc, cleanup, nil
}
