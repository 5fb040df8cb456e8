// Package logging builds slog loggers for the ksync binaries: a colorized or
// JSON console handler, optionally fanned out to a size-rotated JSON log file.
package logging
