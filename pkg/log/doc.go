// Package log provides structured logging for vdisk, built on zerolog.
//
// A single global Logger is configured once via Init; packages derive
// component loggers from it with WithComponent/WithVolumeID so every line
// carries enough context to find it again in aggregated logs.
package log
