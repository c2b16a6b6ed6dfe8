package filetype

import (
	"fmt"
	"io"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"
)

// Info contains detected file type information for an upload.
type Info struct {
	MIMEType    string
	Extension   string
	Supported   bool
	Description string
}

// Detector validates cookbook uploads using magic bytes, not filenames.
type Detector struct{}

// New creates a new file type detector.
func New() *Detector {
	return &Detector{}
}

// Detect inspects a file on disk.
func (d *Detector) Detect(filePath string) (*Info, error) {
	mtype, err := mimetype.DetectFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to detect file type: %w", err)
	}
	return d.classify(mtype), nil
}

// DetectReader inspects a stream, for validating uploads before they hit disk.
func (d *Detector) DetectReader(r io.Reader) (*Info, error) {
	mtype, err := mimetype.DetectReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to detect file type: %w", err)
	}
	return d.classify(mtype), nil
}

func (d *Detector) classify(mtype *mimetype.MIME) *Info {
	info := &Info{
		MIMEType:  mtype.String(),
		Extension: mtype.Extension(),
	}

	switch info.MIMEType {
	case "application/pdf":
		info.Supported = true
		info.Description = "PDF document"
	case "image/jpeg", "image/png", "image/tiff":
		// Single-page scans; wrapped into a one-page document upstream.
		info.Description = "scanned page image (upload as PDF)"
	default:
		info.Description = fmt.Sprintf("unsupported type %s", info.MIMEType)
	}

	log.Debug().
		Str("mime", info.MIMEType).
		Str("ext", info.Extension).
		Bool("supported", info.Supported).
		Msg("detected upload file type")

	return info
}
