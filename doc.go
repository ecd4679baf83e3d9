// Package browsermcp connects automation clients to browser extensions over
// local and remote WebSocket relays.
//
// The package hosts a relay server for the browser extension to dial, scans a
// port range for extension endpoints started by other browser profiles, and
// routes JSON-RPC commands to whichever endpoint should receive them. Remote
// relay mode, selected by stored credentials, dials a hosted relay instead of
// listening locally.
//
// # Basic Usage
//
// For scoped work, use WithClient for automatic lifecycle management:
//
//	ctx := context.Background()
//	err := browsermcp.WithClient(ctx, func(c browsermcp.Client) error {
//	    snap, err := c.Enable(ctx)
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Printf("relay on port %d\n", snap.Port)
//
//	    tabs, err := c.RouteCommand(ctx, "tabs_list", nil)
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Println(string(tabs))
//	    return nil
//	},
//	    browsermcp.WithLogger(slog.Default()),
//	)
//
// # Long-Lived Clients
//
// For daemons, create the client directly and keep it running:
//
//	client := browsermcp.NewClient()
//	defer client.Close()
//
//	if err := client.Start(ctx, browsermcp.WithLogger(slog.Default())); err != nil {
//	    log.Fatal(err)
//	}
//	snap, err := client.Enable(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Start launches the session scanner; Enable brings up the relay (or the
// remote connection) and returns a snapshot of the resulting state. Commands
// issued through RouteCommand go to the session named by a "port" parameter,
// falling back to the active session and then to the relay connection.
//
// # Logging
//
// For detailed operation tracking, pass a logger:
//
//	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
//	client.Start(ctx, browsermcp.WithLogger(logger))
//
// # Error Handling
//
// Failures surface as typed errors alongside sentinel values:
//
//	snap, err := client.Enable(ctx)
//	if err != nil {
//	    var portErr *browsermcp.PortInUseError
//	    if errors.As(err, &portErr) {
//	        log.Fatalf("port %d is taken", portErr.Port)
//	    }
//	    var authErr *browsermcp.AuthError
//	    if errors.As(err, &authErr) {
//	        log.Fatalf("sign in again: %v", authErr)
//	    }
//	    log.Fatal(err)
//	}
//
// # Requirements
//
// A browser extension must connect to the relay (or be reachable through a
// scanned endpoint) before automation commands succeed. Until then,
// RouteCommand returns ErrNoBrowserConnected.
package browsermcp
