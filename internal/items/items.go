package items

import (
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

var (
	// ErrUnsupportedMediaType is returned for sources that are not an accepted image type.
	ErrUnsupportedMediaType = errors.New("unsupported media type")
	// ErrNotFound is returned when no item has the given id.
	ErrNotFound = errors.New("item not found")
)

// AcceptedMediaTypes lists the image types a batch may contain.
var AcceptedMediaTypes = []string{
	"image/jpeg",
	"image/png",
	"image/webp",
	"image/gif",
	"image/bmp",
}

// extensionTypes maps file extensions to media types when neither a declared
// type nor the content identifies the file.
var extensionTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
	".gif":  "image/gif",
	".bmp":  "image/bmp",
}

// Source is a raw user selection before it is accepted into a batch.
type Source struct {
	Name      string
	MediaType string // optional, e.g. the Content-Type of an uploaded part
	Content   []byte
}

// InputItem is an accepted image waiting to be compressed.
type InputItem struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	MediaType string    `json:"mediaType"`
	Content   []byte    `json:"-"`
	AddedAt   time.Time `json:"addedAt"`
}

// NewItem validates src and builds an InputItem with a fresh id.
func NewItem(src Source) (InputItem, error) {
	mediaType := ResolveMediaType(src)
	if !IsAccepted(mediaType) {
		if mediaType == "" {
			mediaType = "unknown"
		}
		return InputItem{}, fmt.Errorf("%w: %s (%s)", ErrUnsupportedMediaType, src.Name, mediaType)
	}

	content := make([]byte, len(src.Content))
	copy(content, src.Content)

	return InputItem{
		ID:        uuid.NewString(),
		Name:      filepath.Base(src.Name),
		Size:      int64(len(content)),
		MediaType: mediaType,
		Content:   content,
		AddedAt:   time.Now(),
	}, nil
}

// ResolveMediaType determines the media type of src.
// A declared image type wins. Otherwise the content is sniffed, and the
// extension is consulted only when the content is not recognized at all.
func ResolveMediaType(src Source) string {
	if src.MediaType != "" {
		if mt, _, err := mime.ParseMediaType(src.MediaType); err == nil && strings.HasPrefix(mt, "image/") {
			return normalize(mt)
		}
	}

	if len(src.Content) > 0 {
		detected := mimetype.Detect(src.Content)
		for _, accepted := range AcceptedMediaTypes {
			if detected.Is(accepted) {
				return accepted
			}
		}
		if !detected.Is("application/octet-stream") {
			return detected.String()
		}
	}

	return extensionTypes[strings.ToLower(filepath.Ext(src.Name))]
}

// IsAccepted reports whether mediaType may be part of a batch.
func IsAccepted(mediaType string) bool {
	return slices.Contains(AcceptedMediaTypes, normalize(mediaType))
}

// IsImageExtension reports whether name carries one of the accepted image extensions.
func IsImageExtension(name string) bool {
	_, ok := extensionTypes[strings.ToLower(filepath.Ext(name))]
	return ok
}

func normalize(mediaType string) string {
	mt := strings.ToLower(strings.TrimSpace(mediaType))
	switch mt {
	case "image/jpg", "image/pjpeg":
		return "image/jpeg"
	case "image/x-ms-bmp", "image/x-bmp":
		return "image/bmp"
	}
	return mt
}
