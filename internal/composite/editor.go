package composite

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

var (
	ErrNotConnected      = errors.New("editor is not connected")
	ErrEditorBusy        = errors.New("editor is busy")
	ErrUnsupportedFormat = errors.New("unsupported export format")
	ErrLayerNotFound     = errors.New("text layer not found")
)

type Format string

const (
	FormatJPG Format = "jpg"
	FormatPNG Format = "png"
	FormatPSD Format = "psd"
)

func ParseFormat(in string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(in), ".")) {
	case "jpg", "jpeg":
		return FormatJPG, nil
	case "png":
		return FormatPNG, nil
	case "psd":
		return FormatPSD, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, in)
	}
}

// Editor is a document editor able to open one template at a time.
type Editor interface {
	OpenTemplate(ctx context.Context, templatePath string) (Document, error)
}

type Document interface {
	PlaceImage(ctx context.Context, imagePath string, scalePercent float64) error
	SetTextLayer(ctx context.Context, layerName, text string) error
	ExportAs(ctx context.Context, outputPath string, format Format) error
	Close(ctx context.Context) error
}

// ReadinessSignaler is implemented by editors that can tell when they are
// ready to accept the next document. Editors without it are paced by retrying
// calls that fail with ErrEditorBusy.
type ReadinessSignaler interface {
	WaitReady(ctx context.Context) error
}

type Dialer func(ctx context.Context) (Editor, error)

// Connection is an explicit handle on a connected editor. A nil or closed
// connection rejects every call with ErrNotConnected.
type Connection struct {
	mu     sync.Mutex
	editor Editor
	closed bool
}

func Connect(ctx context.Context, dial Dialer) (*Connection, error) {
	if dial == nil {
		return nil, errors.New("editor dialer is required")
	}

	editor, err := dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect editor: %w", err)
	}
	if editor == nil {
		return nil, ErrNotConnected
	}
	return &Connection{editor: editor}, nil
}

func (c *Connection) Editor() (Editor, error) {
	if c == nil {
		return nil, ErrNotConnected
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.editor == nil {
		return nil, ErrNotConnected
	}
	return c.editor, nil
}

// Close releases the editor. Editors implementing io.Closer are closed too.
func (c *Connection) Close() error {
	if c == nil {
		return ErrNotConnected
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNotConnected
	}
	c.closed = true

	if closer, ok := c.editor.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
