// Package media defines the media-transform boundary. Thumbnail and preview
// derivation is an external concern; the pipeline only needs "bytes in,
// smaller bytes out, or not an image".
package media

// Transform derives display variants from original bytes. Implementations
// return ok=false when the input is not a displayable image; that is never an
// error.
type Transform interface {
	Thumbnail(data []byte) (out []byte, mime string, ok bool)
	Preview(data []byte) (out []byte, mime string, ok bool)
	Banner(data []byte) (out []byte, mime string, ok bool)
	Icon(data []byte) (out []byte, mime string, ok bool)
}

// Noop is a Transform that declines every input. Used when no transform
// service is wired; absence of previews is not a failure anywhere in the
// pipeline.
type Noop struct{}

// Thumbnail declines.
func (Noop) Thumbnail([]byte) ([]byte, string, bool) { return nil, "", false }

// Preview declines.
func (Noop) Preview([]byte) ([]byte, string, bool) { return nil, "", false }

// Banner declines.
func (Noop) Banner([]byte) ([]byte, string, bool) { return nil, "", false }

// Icon declines.
func (Noop) Icon([]byte) ([]byte, string, bool) { return nil, "", false }

// Fixed returns the same bytes for every call; tests use it to observe that
// preview derivation happened.
type Fixed struct {
	Data []byte
	Mime string
}

// Thumbnail returns the fixed bytes.
func (f Fixed) Thumbnail([]byte) ([]byte, string, bool) { return f.Data, f.Mime, true }

// Preview returns the fixed bytes.
func (f Fixed) Preview([]byte) ([]byte, string, bool) { return f.Data, f.Mime, true }

// Banner returns the fixed bytes.
func (f Fixed) Banner([]byte) ([]byte, string, bool) { return f.Data, f.Mime, true }

// Icon returns the fixed bytes.
func (f Fixed) Icon([]byte) ([]byte, string, bool) { return f.Data, f.Mime, true }
