package log

import (
	"context"
	"log/slog"
)

// SlogAdapter writes events to an slog.Logger at Debug level.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter creates a new SlogAdapter that writes to the given slog.Logger.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

// Log writes the event to the slog logger.
func (a *SlogAdapter) Log(event Event) {
	attrs := []slog.Attr{
		slog.String("session_id", event.SessionID),
		slog.String("layer", event.Layer.String()),
		slog.String("category", event.Category.String()),
	}

	if event.DeviceID != "" {
		attrs = append(attrs, slog.String("device_id", event.DeviceID))
	}
	if event.RemoteURI != "" {
		attrs = append(attrs, slog.String("uri", event.RemoteURI))
	}
	if event.Transport != "" {
		attrs = append(attrs, slog.String("transport", event.Transport))
	}

	switch {
	case event.Frame != nil:
		attrs = append(attrs,
			slog.String("direction", event.Direction.String()),
			slog.Int("frame_size", event.Frame.Size),
			slog.Bool("truncated", event.Frame.Truncated),
		)
	case event.Message != nil:
		attrs = append(attrs,
			slog.String("direction", event.Direction.String()),
			slog.Uint64("msg_id", uint64(event.Message.MessageID)),
			slog.String("msg_type", event.Message.Type.String()),
		)
		if event.Message.Method != "" {
			attrs = append(attrs, slog.String("method", event.Message.Method))
		}
		if event.Message.Status != nil {
			attrs = append(attrs, slog.Int("status", *event.Message.Status))
		}
		if event.Message.Elapsed != nil {
			attrs = append(attrs, slog.Duration("elapsed", *event.Message.Elapsed))
		}
	case event.StateChange != nil:
		attrs = append(attrs,
			slog.String("entity", event.StateChange.Entity.String()),
			slog.String("old_state", event.StateChange.OldState),
			slog.String("new_state", event.StateChange.NewState),
		)
		if event.StateChange.Reason != "" {
			attrs = append(attrs, slog.String("reason", event.StateChange.Reason))
		}
	case event.Sighting != nil:
		attrs = append(attrs,
			slog.String("name", event.Sighting.Name),
			slog.Bool("is_update", event.Sighting.IsUpdate),
			slog.Int("endpoints", event.Sighting.Endpoints),
		)
	case event.Pairing != nil:
		attrs = append(attrs,
			slog.String("decision", event.Pairing.Decision),
			slog.String("trust", event.Pairing.Trust),
		)
		if event.Pairing.Unbonded {
			attrs = append(attrs, slog.Bool("unbonded", true))
		}
	case event.Install != nil:
		attrs = append(attrs,
			slog.String("install_state", event.Install.State),
			slog.Int("progress", event.Install.Progress),
		)
		if event.Install.Status != nil {
			attrs = append(attrs, slog.Int("install_status", *event.Install.Status))
		}
	case event.Error != nil:
		attrs = append(attrs,
			slog.String("error_layer", event.Error.Layer.String()),
			slog.String("error_msg", event.Error.Message),
			slog.String("error_context", event.Error.Context),
		)
		if event.Error.Code != nil {
			attrs = append(attrs, slog.Int("error_code", *event.Error.Code))
		}
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "event", attrs...)
}

// Compile-time interface satisfaction check.
var _ Logger = (*SlogAdapter)(nil)
