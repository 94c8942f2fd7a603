package marker

import (
	"errors"
	"fmt"
)

// Sentinel errors used across all packages.
var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrValidation        = errors.New("validation error")
	ErrConfiguration     = errors.New("configuration error")
	ErrMigration         = errors.New("migration error")
	ErrRemoteMismatch    = errors.New("remote mismatch")
	ErrConversion        = errors.New("conversion error")
	ErrBulkRefreshActive = errors.New("bulk refresh already active")
)

// ValidationError describes a rejected write.
type ValidationError struct {
	Table   string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s: %s", e.Table, e.Message)
	}
	return fmt.Sprintf("validation: %s.%s: %s", e.Table, e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ConfigurationError describes a tag that can never be evaluated.
type ConfigurationError struct {
	TagID   uint32
	TagName string
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("tag %q (%d): %s", e.TagName, e.TagID, e.Message)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// MigrationError describes a store that cannot be brought to the current schema
// version. Err is set when a registered migration ran and failed.
type MigrationError struct {
	From int
	To   int
	Err  error
}

func (e *MigrationError) Error() string {
	switch {
	case e.From > e.To:
		return fmt.Sprintf("stored schema version %d is newer than %d", e.From, e.To)
	case e.Err != nil:
		return fmt.Sprintf("migration from schema version %d to %d failed: %v", e.From, e.To, e.Err)
	}
	return fmt.Sprintf("no migration registered from schema version %d to %d", e.From, e.To)
}

func (e *MigrationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrMigration}
	}
	return []error{ErrMigration, e.Err}
}

// RemoteMismatchError indicates the profile returned for a user belongs to someone else.
type RemoteMismatchError struct {
	Requested string
	Returned  string
}

func (e *RemoteMismatchError) Error() string {
	return fmt.Sprintf("username mismatch for %s (got %s)", e.Requested, e.Returned)
}

func (e *RemoteMismatchError) Unwrap() error { return ErrRemoteMismatch }

// ConversionError indicates a listing entry that could not become a Post.
type ConversionError struct {
	Entry   string
	Message string
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("convert entry %q: %s", e.Entry, e.Message)
}

func (e *ConversionError) Unwrap() error { return ErrConversion }

// Reason maps an error to the short machine-readable string sent in failure replies.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation_failed"
	case errors.Is(err, ErrConfiguration):
		return "invalid_configuration"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrRemoteMismatch):
		return "remote_mismatch"
	case errors.Is(err, ErrConversion):
		return "conversion_failed"
	case errors.Is(err, ErrMigration):
		return "migration_failed"
	case errors.Is(err, ErrBulkRefreshActive):
		return "refresh_active"
	default:
		return "internal_error"
	}
}
