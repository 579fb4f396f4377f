package compressor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Format is the output encoding requested from the compression service.
type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
	FormatWebP Format = "webp"
)

const (
	MinQuality     = 10
	MaxQuality     = 100
	DefaultQuality = 80
)

// ErrInvalidSettings is returned when settings fall outside the accepted ranges.
var ErrInvalidSettings = errors.New("invalid compression settings")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Settings defines the parameters applied to every image of a batch.
type Settings struct {
	Quality int    `json:"quality" mapstructure:"quality" validate:"min=10,max=100"`
	Format  Format `json:"format" mapstructure:"format" validate:"oneof=jpeg png webp"`
}

// DefaultSettings returns quality 80 with JPEG output.
func DefaultSettings() Settings {
	return Settings{
		Quality: DefaultQuality,
		Format:  FormatJPEG,
	}
}

// Validate checks quality range and output format.
func (s Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s=%v (%s)", strings.ToLower(fe.Field()), fe.Value(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidSettings, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	return nil
}

// ParseFormat normalizes a user-supplied format name. "jpg" is accepted as an alias of jpeg.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "jpeg", "jpg":
		return FormatJPEG, nil
	case "png":
		return FormatPNG, nil
	case "webp":
		return FormatWebP, nil
	default:
		return "", fmt.Errorf("%w: unknown format %q (valid: jpeg, png, webp)", ErrInvalidSettings, s)
	}
}

// Extension returns the file extension used for downloaded results.
func (f Format) Extension() string {
	return string(f)
}

// MediaType returns the content type the service uses for this format.
func (f Format) MediaType() string {
	switch f {
	case FormatJPEG:
		return "image/jpeg"
	case FormatPNG:
		return "image/png"
	case FormatWebP:
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}
