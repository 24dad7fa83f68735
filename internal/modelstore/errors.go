package modelstore

import "fmt"

// ErrorKind classifies why a model resolution failed.
type ErrorKind string

const (
	// ErrNetwork covers transport failures and non-success HTTP statuses.
	ErrNetwork ErrorKind = "network"
	// ErrChecksum covers payload validation failures: truncated files,
	// unparseable configs, HTML error pages served as content, and cached
	// files whose digest no longer matches the manifest.
	ErrChecksum ErrorKind = "checksum"
	// ErrDisk covers local filesystem failures while staging or committing.
	ErrDisk ErrorKind = "disk"
)

// ResolutionError is the typed failure returned by Store.Resolve. The cache
// is left in its last-known-good state; callers may retry the resolve.
type ResolutionError struct {
	Kind ErrorKind
	File string
	Err  error
}

func (e *ResolutionError) Error() string {
	if e.File == "" {
		return fmt.Sprintf("model resolution failed (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("model resolution failed (%s) on %s: %v", e.Kind, e.File, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

func networkErr(file string, err error) *ResolutionError {
	return &ResolutionError{Kind: ErrNetwork, File: file, Err: err}
}

func checksumErr(file string, err error) *ResolutionError {
	return &ResolutionError{Kind: ErrChecksum, File: file, Err: err}
}

func diskErr(file string, err error) *ResolutionError {
	return &ResolutionError{Kind: ErrDisk, File: file, Err: err}
}
