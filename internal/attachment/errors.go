package attachment

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedType   = errors.New("attachment: unsupported file type")
	ErrEngineUnavailable = errors.New("attachment: extraction engine unavailable")
	ErrEmptyDocument     = errors.New("attachment: no extractable text")
	ErrMalformedInput    = errors.New("attachment: malformed input")
	// ErrTooLarge is a MalformedInput for files over the size limit.
	ErrTooLarge = fmt.Errorf("%w: file too large", ErrMalformedInput)
)

// Reason explains err to the user. Each failure kind gets its own wording so
// a slow engine is never confused with an image-only scan.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrUnsupportedType):
		return "This file type is not supported. Please attach an image, a PDF or an audio file."
	case errors.Is(err, ErrEngineUnavailable):
		return "The PDF processing library couldn't be loaded. This can be due to a slow network connection or a network blocker. Please check your connection and try again."
	case errors.Is(err, ErrEmptyDocument):
		return "I couldn't find any readable text in this PDF. It might be an image-only document or corrupted."
	case errors.Is(err, ErrTooLarge):
		return "The file is too large to process. Please try a smaller file."
	case errors.Is(err, ErrMalformedInput):
		return "The provided file appears to be an invalid or malformed PDF. Please try a different file."
	case err == nil:
		return ""
	default:
		return err.Error()
	}
}
