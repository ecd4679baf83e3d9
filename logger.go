package browsermcp

import (
	"io"
	"log/slog"
)

// NopLogger returns a logger whose handler writes to io.Discard. It suits
// callers that must hand WithLogger an explicit *slog.Logger but want no
// output; omitting the option entirely has the same effect.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
