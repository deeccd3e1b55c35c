// Package errors provides standardized error handling for the ingestion
// pipeline. It defines the error taxonomy shared by the connection manager,
// snapshot acquirer and merge engine, classifies errors as transient,
// invalid or fatal, and provides helpers for consistent error wrapping.
package errors
