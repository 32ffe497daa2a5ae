package workflows

import (
	"errors"
	"fmt"

	"github.com/tendant/simple-thumbnail-dvm/internal/envelope"
)

var (
	// ErrValidation is the parent of every reason a request is dropped before work starts
	ErrValidation = errors.New("invalid thumbnail request")

	// ErrStaleRequest is returned for requests older than the subscription look-back
	ErrStaleRequest = fmt.Errorf("%w: request too old", ErrValidation)

	// ErrFutureRequest is returned for requests dated too far ahead of the local clock
	ErrFutureRequest = fmt.Errorf("%w: request dated in the future", ErrValidation)

	// ErrUnsupportedInput is returned when the request has no usable URL input
	ErrUnsupportedInput = fmt.Errorf("%w: unsupported input", ErrValidation)

	// ErrUnsupportedOutput is returned for image formats outside the supported set
	ErrUnsupportedOutput = fmt.Errorf("%w: unsupported output", ErrValidation)

	// ErrOutOfRange is returned when thumbnailCount is not an integer in range
	ErrOutOfRange = fmt.Errorf("%w: parameter out of range", ErrValidation)

	// ErrDecryption is returned when an encrypted request cannot be opened
	ErrDecryption = envelope.ErrDecryption

	// ErrExtraction is returned when the media tool fails
	ErrExtraction = errors.New("media extraction failed")

	// ErrUpload is returned when any thumbnail fails to upload
	ErrUpload = errors.New("thumbnail upload failed")

	// ErrPublish is returned when no relay accepted the result
	ErrPublish = errors.New("result publication failed")
)
