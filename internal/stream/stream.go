// Package stream relays an upstream document body to an HTTP client through a
// fixed-size buffer.
package stream

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// BufferSize bounds every read from upstream and every write to the client.
const BufferSize = 32 << 10

var ErrUpstreamAborted = errors.New("upstream aborted mid-transfer")

type Mode string

const (
	Inline     Mode = "inline"
	Attachment Mode = "attachment"
)

// Source is an open upstream body. Serve closes it.
type Source struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64
}

// Meta describes the stored document.
type Meta struct {
	Filename string
	MimeType string
}

// Serve writes headers and relays src.Body chunk by chunk. A cancelled request
// context stops the transfer; an upstream read error returns ErrUpstreamAborted
// after the status line has already gone out.
func Serve(w http.ResponseWriter, r *http.Request, src Source, meta Meta, mode Mode) error {
	defer src.Body.Close()

	ctx := r.Context()
	if err := ctx.Err(); err != nil {
		return err
	}

	h := w.Header()
	h.Set("Content-Type", contentType(meta.MimeType, src.ContentType))
	h.Set("Content-Disposition", ContentDisposition(mode, meta.Filename))
	h.Set("Cache-Control", "private, max-age=300")
	h.Set("X-Content-Type-Options", "nosniff")
	if src.ContentLength > 0 {
		h.Set("Content-Length", strconv.FormatInt(src.ContentLength, 10))
	} else {
		h.Del("Content-Length")
	}
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, BufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, readErr := src.Body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return fmt.Errorf("write to client: %w", err)
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fmt.Errorf("%w: %v", ErrUpstreamAborted, readErr)
		}
	}
}

func contentType(stored, upstream string) string {
	if v := strings.TrimSpace(stored); v != "" {
		return v
	}
	if v := strings.TrimSpace(upstream); v != "" {
		return v
	}
	return "application/octet-stream"
}

// ContentDisposition renders both an ASCII filename and an RFC 5987 filename*.
func ContentDisposition(mode Mode, filename string) string {
	if mode != Attachment {
		mode = Inline
	}
	filename = strings.TrimSpace(filename)
	if filename == "" {
		filename = "document"
	}
	return fmt.Sprintf(`%s; filename="%s"; filename*=UTF-8''%s`, mode, ASCIIFallback(filename), encodeRFC5987(filename))
}

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// ASCIIFallback removes diacritics and replaces anything outside printable
// ASCII, plus quotes and backslashes, with '_'.
func ASCIIFallback(name string) string {
	stripped, _, err := transform.String(stripMarks, name)
	if err != nil {
		stripped = name
	}
	var b strings.Builder
	b.Grow(len(stripped))
	for _, r := range stripped {
		if r < 0x20 || r > 0x7e || r == '"' || r == '\\' {
			b.WriteByte('_')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const upperhex = "0123456789ABCDEF"

func encodeRFC5987(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isAttrChar(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&0x0f])
	}
	return b.String()
}

func isAttrChar(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return strings.IndexByte("!#$&+-.^_`|~", c) >= 0
}
