package report

import (
	"fmt"
	"io"
	"os"

	"github.com/solosway/webscout/internal/archive"
)

// Reporter writes rendered session records to an output.
type Reporter interface {
	Write(rec archive.Record) error
	// Close releases the output (e.g. the file handle).
	Close() error
}

// nopWriteCloser wraps an io.Writer and provides a no-op Close method.
type nopWriteCloser struct {
	io.Writer
}

func (nwc *nopWriteCloser) Close() error {
	return nil
}

type writer struct {
	out    io.WriteCloser
	format Format
}

// New creates a reporter for the format. An empty path or "-" writes to stdout.
func New(format, outputPath string) (Reporter, error) {
	f, err := ParseFormat(format)
	if err != nil {
		return nil, err
	}
	if outputPath == "" || outputPath == "-" || outputPath == "stdout" {
		return NewWriter(os.Stdout, f), nil
	}
	file, err := os.Create(outputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file %s: %w", outputPath, err)
	}
	return &writer{out: file, format: f}, nil
}

// NewWriter writes to w without ever closing it.
func NewWriter(w io.Writer, format Format) Reporter {
	return &writer{out: &nopWriteCloser{w}, format: format}
}

func (w *writer) Write(rec archive.Record) error {
	b, err := Render(rec, w.format)
	if err != nil {
		return err
	}
	if _, err := w.out.Write(b); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

func (w *writer) Close() error {
	return w.out.Close()
}
