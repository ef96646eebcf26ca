package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Image represents an uploaded original. It is immutable once created;
// derivatives are produced by transformation jobs and never mutate the record.
type Image struct {
	ID          uuid.UUID `json:"id"`
	OwnerID     string    `json:"owner_id"`
	Filename    string    `json:"filename"`
	StorageRef  string    `json:"storage_ref"`
	ContentHash string    `json:"content_hash"` // hex SHA-256 of the original bytes
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	MimeType    string    `json:"mime_type"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

// Artifact is the output of a successful transformation. The cache owns the
// canonical copy; callers receive it read-only.
type Artifact struct {
	Fingerprint string    `json:"fingerprint"`
	Data        []byte    `json:"-"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	Format      Format    `json:"format"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

// Format is an output encoding supported by the executor.
type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
	FormatGIF  Format = "gif"
	FormatBMP  Format = "bmp"
	FormatTIFF Format = "tiff"
)

// ParseFormat normalizes a user-supplied format name. The empty string is
// returned as-is: it means "keep the source format" and is resolved by the
// delivery layer before fingerprinting.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "":
		return "", nil
	case "jpg", "jpeg":
		return FormatJPEG, nil
	case "png":
		return FormatPNG, nil
	case "gif":
		return FormatGIF, nil
	case "bmp":
		return FormatBMP, nil
	case "tif", "tiff":
		return FormatTIFF, nil
	default:
		return "", Validationf("unsupported format %q", s)
	}
}

// FormatFromMIME maps a stored MIME type to an output format. Unknown types
// fall back to JPEG, mirroring what the encoder would do for photographs.
func FormatFromMIME(mime string) Format {
	switch {
	case strings.Contains(mime, "png"):
		return FormatPNG
	case strings.Contains(mime, "gif"):
		return FormatGIF
	case strings.Contains(mime, "bmp"):
		return FormatBMP
	case strings.Contains(mime, "tiff"):
		return FormatTIFF
	default:
		return FormatJPEG
	}
}

// MIME returns the content type for a format.
func (f Format) MIME() string {
	switch f {
	case FormatPNG:
		return "image/png"
	case FormatGIF:
		return "image/gif"
	case FormatBMP:
		return "image/bmp"
	case FormatTIFF:
		return "image/tiff"
	default:
		return "image/jpeg"
	}
}
