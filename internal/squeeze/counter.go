package squeeze

import (
	"context"
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// PageCounter reports the number of pages in a document on disk.
type PageCounter interface {
	PageCount(ctx context.Context, path string) (int, error)
}

// PdfcpuCounter counts pages in-process with pdfcpu instead of spawning the
// external tool.
type PdfcpuCounter struct{}

func (PdfcpuCounter) PageCount(ctx context.Context, path string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, err := api.PageCountFile(path)
	if err != nil {
		return 0, fmt.Errorf("pdf page count failed: %w", err)
	}
	return n, nil
}
