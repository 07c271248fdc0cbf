// Package log captures structured lifecycle events for D2D.
//
// This package defines the Logger interface and Event types for recording
// what happened during discovery, pairing, connection and push-install. It is
// separate from operational logging (slog): event capture provides a complete
// machine-readable trace that can be replayed and filtered after the fact.
//
// # Basic Usage
//
// Components take a Logger in their config:
//
//	// For development: log to console via slog
//	cfg.EventLogger = log.NewSlogAdapter(slog.Default())
//
//	// For production: write to binary file
//	cfg.EventLogger, _ = log.NewFileLogger("/var/log/d2d/controller.dlog")
//
//	// Both: use MultiLogger
//	cfg.EventLogger = log.NewMultiLogger(
//	    log.NewSlogAdapter(slog.Default()),
//	    fileLogger,
//	)
//
// # Event Types
//
// Events are tagged with the layer that produced them:
//   - Transport: raw frames (FrameEvent) and decoded messages (MessageEvent)
//   - Discovery: round start/stop and sightings (SightingEvent)
//   - Pairing: policy decisions (PairingEvent)
//   - Session: session state changes (StateChangeEvent)
//   - Install: push-install progress and result (InstallEvent)
//
// Errors at any layer have a dedicated payload.
//
// # File Format
//
// Log files use CBOR encoding with the .dlog extension. The d2d-log CLI tool
// provides viewing and filtering.
package log
