package h1

import (
	"bytes"
	"compress/gzip"
	"strings"

	"github.com/andybalholm/brotli"
)

// CompressConfig holds the options Compress applies.
type CompressConfig struct {
	// Level specifies the compression level (1-9 for gzip, 0-11 for brotli)
	Level int
	// MinSize specifies the minimum body size to compress
	MinSize int
	// ExcludedTypes lists content type prefixes to skip
	ExcludedTypes []string
}

// DefaultCompressConfig returns a CompressConfig with sensible defaults.
func DefaultCompressConfig() CompressConfig {
	return CompressConfig{
		Level:   6,
		MinSize: 1024,
		ExcludedTypes: []string{
			"image/",
			"video/",
			"audio/",
			"application/zip",
			"application/gzip",
		},
	}
}

// Compress encodes the body with brotli or gzip, whichever acceptEncoding
// prefers between the two, and reports whether it did. The body is left
// untouched when it is small, excluded by type, already encoded, or when
// compression would not make it smaller.
func (r *Response) Compress(acceptEncoding string, cfg CompressConfig) bool {
	if len(r.body) < cfg.MinSize || r.Header("content-encoding") != "" {
		return false
	}
	contentType := r.Header("content-type")
	for _, excluded := range cfg.ExcludedTypes {
		if strings.HasPrefix(contentType, excluded) {
			return false
		}
	}

	br, gz := acceptedEncodings(acceptEncoding)
	var (
		compressed bytes.Buffer
		encoding   string
	)
	switch {
	case br:
		w := brotli.NewWriterLevel(&compressed, cfg.Level)
		if _, err := w.Write(r.body); err != nil {
			_ = w.Close()
			return false
		}
		if err := w.Close(); err != nil {
			return false
		}
		encoding = "br"
	case gz:
		w, err := gzip.NewWriterLevel(&compressed, cfg.Level)
		if err != nil {
			return false
		}
		if _, err := w.Write(r.body); err != nil {
			_ = w.Close()
			return false
		}
		if err := w.Close(); err != nil {
			return false
		}
		encoding = "gzip"
	default:
		return false
	}

	if compressed.Len() == 0 || compressed.Len() >= len(r.body) {
		return false
	}
	r.SetBody(compressed.Bytes())
	r.SetHeader("Content-Encoding", encoding)
	r.SetHeader("Vary", "Accept-Encoding")
	return true
}

// acceptedEncodings reports which of br and gzip the Accept-Encoding value
// allows. Codings listed with q=0 are refused.
func acceptedEncodings(value string) (br, gz bool) {
	for _, part := range strings.Split(value, ",") {
		coding, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		coding = strings.ToLower(strings.TrimSpace(coding))
		if q := strings.TrimSpace(params); strings.HasPrefix(q, "q=0") && strings.Trim(q[3:], ".0") == "" {
			continue
		}
		switch coding {
		case "br":
			br = true
		case "gzip", "x-gzip":
			gz = true
		case "*":
			br, gz = true, true
		}
	}
	return br, gz
}
