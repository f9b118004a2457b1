package shared

import "errors"

// Error kinds shared across the research pipeline. Callers wrap them with
// fmt.Errorf("...: %w", err) and test with errors.Is.
var (
	ErrCapacityExceeded        = errors.New("research capacity exceeded")
	ErrJobNotFound             = errors.New("research job not found")
	ErrInvalidState            = errors.New("invalid job state")
	ErrCancelled               = errors.New("research cancelled")
	ErrEngineFailure           = errors.New("reasoning engine failure")
	ErrPersistenceFailure      = errors.New("persistence failure")
	ErrUnsupportedDocumentType = errors.New("unsupported document type")
	ErrChunkIndexOutOfRange    = errors.New("chunk index out of range")
	ErrDocumentNotFound        = errors.New("document not found")
)
