// Package commands implements the d2d-log CLI commands.
package commands

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/d2d-protocol/d2d-go/pkg/log"
)

// formatEvent writes a human-readable representation of the event to w.
func formatEvent(w io.Writer, event log.Event) {
	// Header line: timestamp [id] DIRECTION LAYER Type
	ts := event.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z")
	fmt.Fprintf(w, "%s [%s] %-3s %s %s\n", ts, shortenID(event.SessionID),
		event.Direction.String(), event.Layer.String(), typeLabel(event))

	if event.DeviceID != "" {
		fmt.Fprintf(w, "  Device: %s", event.DeviceID)
		if event.Transport != "" {
			fmt.Fprintf(w, " via %s", event.Transport)
		}
		fmt.Fprintln(w)
	}
	if event.RemoteURI != "" {
		fmt.Fprintf(w, "  URI: %s\n", event.RemoteURI)
	}

	switch {
	case event.Frame != nil:
		formatFrameDetails(w, event.Frame)
	case event.Message != nil:
		formatMessageDetails(w, event.Message)
	case event.StateChange != nil:
		formatStateChangeDetails(w, event.StateChange)
	case event.Sighting != nil:
		formatSightingDetails(w, event.Sighting)
	case event.Pairing != nil:
		formatPairingDetails(w, event.Pairing)
	case event.Install != nil:
		formatInstallDetails(w, event.Install)
	case event.Error != nil:
		formatErrorDetails(w, event.Error)
	}

	fmt.Fprintln(w)
}

func typeLabel(event log.Event) string {
	switch {
	case event.Frame != nil:
		return "Frame"
	case event.Message != nil:
		return event.Message.Type.String()
	case event.StateChange != nil:
		return "State"
	case event.Sighting != nil:
		return "Sighting"
	case event.Pairing != nil:
		return "Pairing"
	case event.Install != nil:
		return "Install"
	case event.Error != nil:
		return "Error"
	default:
		return "Unknown"
	}
}

// shortenID returns the first 8 characters of a round or session ID.
func shortenID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}

func formatFrameDetails(w io.Writer, frame *log.FrameEvent) {
	fmt.Fprintf(w, "  Size: %d bytes\n", frame.Size)
	if len(frame.Data) > 0 {
		fmt.Fprintf(w, "  Data: %s", hex.EncodeToString(frame.Data))
		if frame.Truncated {
			fmt.Fprintf(w, " (truncated)")
		}
		fmt.Fprintln(w)
	}
}

func formatMessageDetails(w io.Writer, msg *log.MessageEvent) {
	fmt.Fprintf(w, "  MessageID: %d\n", msg.MessageID)
	if msg.Method != "" {
		fmt.Fprintf(w, "  Method: %s\n", msg.Method)
	}
	if msg.Status != nil {
		fmt.Fprintf(w, "  Status: %d\n", *msg.Status)
	}
	if msg.PayloadSize > 0 {
		fmt.Fprintf(w, "  Payload: %d bytes\n", msg.PayloadSize)
	}
	if msg.Elapsed != nil {
		fmt.Fprintf(w, "  Duration: %s\n", formatDuration(*msg.Elapsed))
	}
}

func formatStateChangeDetails(w io.Writer, sc *log.StateChangeEvent) {
	fmt.Fprintf(w, "  Entity: %s\n", sc.Entity.String())
	if sc.OldState != "" {
		fmt.Fprintf(w, "  %s -> %s\n", sc.OldState, sc.NewState)
	} else {
		fmt.Fprintf(w, "  -> %s\n", sc.NewState)
	}
	if sc.Reason != "" {
		fmt.Fprintf(w, "  Reason: %s\n", sc.Reason)
	}
}

func formatSightingDetails(w io.Writer, s *log.SightingEvent) {
	kind := "new"
	if s.IsUpdate {
		kind = "update"
	}
	fmt.Fprintf(w, "  Name: %q (%s)\n", s.Name, kind)
	if s.Features != 0 {
		fmt.Fprintf(w, "  Features: 0x%x\n", s.Features)
	}
	if s.Endpoints > 0 {
		fmt.Fprintf(w, "  Endpoints: %d\n", s.Endpoints)
	}
}

func formatPairingDetails(w io.Writer, p *log.PairingEvent) {
	fmt.Fprintf(w, "  Decision: %s\n", p.Decision)
	if p.Trust != "" {
		fmt.Fprintf(w, "  Trust: %s\n", p.Trust)
	}
	if p.Unbonded {
		fmt.Fprintln(w, "  Unbonded")
	}
}

func formatInstallDetails(w io.Writer, in *log.InstallEvent) {
	fmt.Fprintf(w, "  State: %s\n", in.State)
	if in.Progress > 0 {
		fmt.Fprintf(w, "  Progress: %d%%\n", in.Progress)
	}
	if in.Status != nil {
		fmt.Fprintf(w, "  Status: %d\n", *in.Status)
	}
}

func formatErrorDetails(w io.Writer, err *log.ErrorEventData) {
	fmt.Fprintf(w, "  Layer: %s\n", err.Layer.String())
	fmt.Fprintf(w, "  Message: %s\n", err.Message)
	if err.Code != nil {
		fmt.Fprintf(w, "  Code: %d\n", *err.Code)
	}
	if err.Context != "" {
		fmt.Fprintf(w, "  Context: %s\n", err.Context)
	}
}

// formatDuration formats a duration for display.
func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%.3fus", float64(d.Nanoseconds())/1000)
	}
	if d < time.Second {
		return fmt.Sprintf("%.3fms", float64(d.Microseconds())/1000)
	}
	return fmt.Sprintf("%.3fs", d.Seconds())
}

// ParseLayerFlag parses a layer name (case-insensitive).
func ParseLayerFlag(s string) (log.Layer, error) {
	l, ok := log.ParseLayer(strings.ToUpper(s))
	if !ok {
		return 0, fmt.Errorf("invalid layer: %s (must be transport, discovery, pairing, session or install)", s)
	}
	return l, nil
}

// ParseDirectionFlag parses a direction string (case-insensitive).
func ParseDirectionFlag(s string) (log.Direction, error) {
	switch strings.ToLower(s) {
	case "in":
		return log.DirectionIn, nil
	case "out":
		return log.DirectionOut, nil
	default:
		return 0, fmt.Errorf("invalid direction: %s (must be in or out)", s)
	}
}

// ParseCategoryFlag parses a category name (case-insensitive).
func ParseCategoryFlag(s string) (log.Category, error) {
	c, ok := log.ParseCategory(strings.ToUpper(s))
	if !ok {
		return 0, fmt.Errorf("invalid category: %s (must be message, discovery, state, error, decision or progress)", s)
	}
	return c, nil
}

// RunView prints every event matching filter.
func RunView(path string, filter log.Filter, output io.Writer) error {
	reader, err := log.NewFilteredReader(path, filter)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	for {
		event, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		formatEvent(output, event)
	}
}
