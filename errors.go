package ragcore

import "errors"

var (
	// ErrUnsupportedFormat is returned for extensions outside .txt/.md/.pdf.
	ErrUnsupportedFormat = errors.New("ragcore: unsupported document format")

	// ErrInvalidPath is returned for empty or unresolvable source paths.
	ErrInvalidPath = errors.New("ragcore: invalid source path")

	// ErrNotFound is returned when a source or document does not exist.
	ErrNotFound = errors.New("ragcore: not found")

	// ErrEmbeddingService is returned when the embedding backend refuses a
	// request. Compensating cleanup has already run when this surfaces.
	ErrEmbeddingService = errors.New("ragcore: embedding service error")

	// ErrModelNotInstalled is returned by the pre-flight check when the
	// active embedding model is absent from the backend.
	ErrModelNotInstalled = errors.New("ragcore: embedding model not installed")

	// ErrDimensionMismatch is returned when a vector's dimension disagrees
	// with the index. The model governor interprets it as a reset signal.
	ErrDimensionMismatch = errors.New("ragcore: embedding dimension mismatch")

	// ErrStorage is returned for transactional failures that rolled back.
	ErrStorage = errors.New("ragcore: storage error")
)
