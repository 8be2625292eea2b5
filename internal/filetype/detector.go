package filetype

import (
	"errors"
	"fmt"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"
)

// ErrEmpty is returned for zero-length content.
var ErrEmpty = errors.New("empty content")

// Info is the result of sniffing content by its magic bytes.
type Info struct {
	MIMEType  string
	Extension string
}

func (i *Info) IsPDF() bool { return i.MIMEType == "application/pdf" }
func (i *Info) IsPNG() bool { return i.MIMEType == "image/png" }

// Detector identifies documents by magic bytes, never by name.
type Detector struct{}

func New() *Detector {
	return &Detector{}
}

// Detect sniffs in-memory content.
func (d *Detector) Detect(data []byte) (*Info, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	mtype := mimetype.Detect(data)
	return d.info(mtype), nil
}

// DetectFile sniffs the head of a file on disk.
func (d *Detector) DetectFile(path string) (*Info, error) {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to detect file type: %w", err)
	}
	return d.info(mtype), nil
}

func (d *Detector) info(mtype *mimetype.MIME) *Info {
	info := &Info{MIMEType: mtype.String(), Extension: mtype.Extension()}
	log.Debug().Str("mime", info.MIMEType).Str("ext", info.Extension).Msg("detected content type")
	return info
}

// Expect fails unless data sniffs as wantMIME.
func (d *Detector) Expect(data []byte, wantMIME string) (*Info, error) {
	info, err := d.Detect(data)
	if err != nil {
		return nil, err
	}
	if !mimetype.EqualsAny(info.MIMEType, wantMIME) {
		return info, fmt.Errorf("expected %s content, detected %s", wantMIME, info.MIMEType)
	}
	return info, nil
}
