package model

import "errors"

// Failure kinds shared by every pipeline component. Check with errors.Is.
var (
	// ErrPermissionDenied: calendar or photo access was refused.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrTransientIO: a single asset fetch or classifier batch failed.
	ErrTransientIO = errors.New("transient i/o failure")
	// ErrConfigurationMissing: an optional integration is not configured.
	ErrConfigurationMissing = errors.New("configuration missing")
	// ErrMalformedReferenceData: one reference record could not be parsed.
	ErrMalformedReferenceData = errors.New("malformed reference data")
	ErrNotFound               = errors.New("not found")
)
