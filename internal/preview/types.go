// Package preview renders a template's schema as a printable form preview,
// either as standalone HTML or as a PDF produced by headless Chrome.
package preview

import "errors"

// Result contains the rendered preview output.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

// ErrPDFDependencyMissing indicates PDF rendering runtime dependencies are
// unavailable.
var ErrPDFDependencyMissing = errors.New("preview pdf dependency missing")
