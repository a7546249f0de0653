package storage

import (
	"io"

	"github.com/jdmarch/encore/internal/metadata"
	"github.com/jdmarch/encore/internal/progress"
)

// Common storage errors. Match them with errors.Is: errors built by the
// helpers below carry the same code and compare equal.
var (
	ErrNotFound           = NewError("NotFound", "The specified key does not exist")
	ErrNotSupported       = NewError("NotSupported", "The operation is not supported by this store")
	ErrCorruption         = NewError("Corruption", "Stored metadata could not be decoded")
	ErrBackendUnavailable = NewError("BackendUnavailable", "Storage backend is not available")
	ErrInvalidKey         = NewError("InvalidKey", "The specified key is invalid")
	ErrInvalidMetadata    = NewError("InvalidMetadata", "The metadata holds an unsupported value")
)

// ErrInvalidState is returned by progress operations stepped or ended
// before being started.
var ErrInvalidState = progress.ErrInvalidState

// StorageError represents a storage-specific error
type StorageError struct {
	Code    string
	Message string
	Key     string
	Cause   error
}

func (e *StorageError) Error() string {
	msg := e.Message
	if e.Key != "" {
		msg += " (key: " + e.Key + ")"
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// Is matches any StorageError with the same code.
func (e *StorageError) Is(target error) bool {
	t, ok := target.(*StorageError)
	return ok && t.Code == e.Code
}

// NewError creates a new storage error
func NewError(code, message string) *StorageError {
	return &StorageError{
		Code:    code,
		Message: message,
	}
}

// NewErrorWithCause creates a new storage error with underlying cause
func NewErrorWithCause(code, message string, cause error) *StorageError {
	return &StorageError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NotFound reports that key is absent from the store.
func NotFound(key string) error {
	return &StorageError{Code: ErrNotFound.Code, Message: ErrNotFound.Message, Key: key}
}

// InvalidKey reports a key the backend cannot represent.
func InvalidKey(key string) error {
	return &StorageError{Code: ErrInvalidKey.Code, Message: ErrInvalidKey.Message, Key: key}
}

// Corrupted reports stored metadata for key that failed to decode.
func Corrupted(key string, cause error) error {
	return &StorageError{Code: ErrCorruption.Code, Message: ErrCorruption.Message, Key: key, Cause: cause}
}

// Unavailable reports a failure to acquire or use backend resources.
func Unavailable(op string, cause error) error {
	return &StorageError{Code: ErrBackendUnavailable.Code, Message: op + ": " + ErrBackendUnavailable.Message, Cause: cause}
}

// NotSupported reports a capability the backend lacks.
func NotSupported(op string) error {
	return &StorageError{Code: ErrNotSupported.Code, Message: op + ": " + ErrNotSupported.Message}
}

// NormalizeMetadata converts md into the metadata value variant before it
// is stored. A nil md becomes an empty mapping.
func NormalizeMetadata(key string, md metadata.Metadata) (metadata.Metadata, error) {
	out, err := metadata.New(md)
	if err != nil {
		return nil, &StorageError{Code: ErrInvalidMetadata.Code, Message: ErrInvalidMetadata.Message, Key: key, Cause: err}
	}
	return out, nil
}

// Credentials are passed to Backend.Connect. Backends without an
// authentication concept ignore them.
type Credentials map[string]string

// Value is a data stream paired with its metadata, as written by Set.
type Value struct {
	Data     io.Reader
	Metadata metadata.Metadata
}

// Entry is a key read back from the store. The caller closes Data.
type Entry struct {
	Key      string
	Data     io.ReadCloser
	Metadata metadata.Metadata
}

// Row is one result of a metadata query.
type Row struct {
	Key      string
	Metadata metadata.Metadata
}
