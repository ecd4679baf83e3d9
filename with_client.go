package browsermcp

import (
	"context"
	"fmt"
)

// WithClient manages client lifecycle with automatic cleanup.
//
// This helper creates a client, starts it with the provided options, executes
// the callback function, and ensures proper cleanup via Close when done.
//
// The callback receives a started Client; enabling the relay connection is
// left to the callback so scan-only use stays possible. If the callback
// returns an error, it is returned to the caller. If Close fails, a warning
// is logged but does not override the callback's error.
//
// Example usage:
//
//	err := browsermcp.WithClient(ctx, func(c browsermcp.Client) error {
//	    if _, err := c.Enable(ctx); err != nil {
//	        return err
//	    }
//	    res, err := c.RouteCommand(ctx, "tabs_list", nil)
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Println(string(res))
//	    return nil
//	},
//	    browsermcp.WithLogger(log),
//	)
func WithClient(ctx context.Context, fn func(Client) error, opts ...Option) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	options := applyOptions(opts)

	log := options.Logger
	if log == nil {
		log = NopLogger()
	}

	client := NewClient()
	if err := client.Start(ctx, opts...); err != nil {
		return fmt.Errorf("failed to start client: %w", err)
	}

	defer func() {
		if closeErr := client.Close(); closeErr != nil {
			log.Warn("failed to close client", "error", closeErr)
		}
	}()

	return fn(client)
}
