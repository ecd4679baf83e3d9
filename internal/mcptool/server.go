package mcptool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dmorrill/multi-browser-mcp-sub000/internal/session"
	"github.com/dmorrill/multi-browser-mcp-sub000/internal/state"
)

// Bridge is the slice of the client surface the tools drive.
type Bridge interface {
	// Enable wakes the bridge and reports the resulting connection snapshot.
	Enable(ctx context.Context) (state.Snapshot, error)
	// Disable tears the connection down.
	Disable() (state.Snapshot, error)
	// Status reports the current connection snapshot.
	Status() state.Snapshot
	// BrowserConnect picks one of the candidate browsers offered by the
	// remote relay.
	BrowserConnect(ctx context.Context, browserID string) (state.Snapshot, error)

	// Sessions lists the endpoints tracked by the session registry.
	Sessions() []session.Info
	// SetActive promotes the session on port to the default command target.
	SetActive(port int) error
	// SetStealth flips stealth on a session; port 0 targets the active one.
	SetStealth(port int, enabled bool) error
	// RouteCommand forwards a named command through the session router.
	RouteCommand(ctx context.Context, command string, params json.RawMessage) (json.RawMessage, error)
}

// routedCommand is a tool whose arguments pass straight through the session
// router. The optional "port" argument is consumed by the router itself.
type routedCommand struct {
	name     string
	desc     string
	props    map[string]*jsonschema.Schema
	readOnly bool
}

var routedCommands = []routedCommand{
	{
		name:     "tabs_list",
		desc:     "List the open tabs in the target browser session.",
		readOnly: true,
	},
	{
		name:  "tab_select",
		desc:  "Focus a tab by id in the target browser session.",
		props: map[string]*jsonschema.Schema{"tabId": {Type: "integer", Description: "Tab to focus"}},
	},
	{
		name:  "tab_create",
		desc:  "Open a new tab in the target browser session.",
		props: map[string]*jsonschema.Schema{"url": {Type: "string", Description: "Address to open, blank page when omitted"}},
	},
	{
		name:     "console_logs",
		desc:     "Fetch the console output captured in the target browser session.",
		readOnly: true,
	},
	{
		name:     "network_logs",
		desc:     "Fetch the network request log captured in the target browser session.",
		readOnly: true,
	},
	{
		name:     "build_info",
		desc:     "Report the browser extension build information.",
		readOnly: true,
	},
}

// Server registers the bridge verbs as MCP tools and serves them over a
// transport.
type Server struct {
	log    *slog.Logger
	bridge Bridge
	mcp    *mcp.Server
}

// NewServer builds the tool server. name and version identify it to MCP
// clients during initialization.
func NewServer(bridge Bridge, name, version string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &Server{
		log:    log.With("component", "mcptool"),
		bridge: bridge,
		mcp:    mcp.NewServer(&mcp.Implementation{Name: name, Version: version}, nil),
	}
	s.registerTools()

	return s
}

// Run serves the MCP session over the transport until ctx is canceled or the
// peer disconnects.
func (s *Server) Run(ctx context.Context, t mcp.Transport) error {
	return s.mcp.Run(ctx, t)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(&mcp.Tool{
		Name:        "browser_enable",
		Description: "Wake the bridge: host the local relay, or join the signed-in remote relay.",
		InputSchema: objectSchema(nil),
	}, s.handleBrowserEnable)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "browser_disable",
		Description: "Tear the bridge connection down and go passive.",
		InputSchema: objectSchema(nil),
	}, s.handleBrowserDisable)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "browser_status",
		Description: "Report the bridge connection state.",
		InputSchema: objectSchema(nil),
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, s.handleBrowserStatus)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "browser_list",
		Description: "List the candidate browsers offered by the remote relay.",
		InputSchema: objectSchema(nil),
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, s.handleBrowserList)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "browser_connect",
		Description: "Pick one of the candidate browsers offered by the remote relay.",
		InputSchema: objectSchema(map[string]*jsonschema.Schema{
			"browserId": {Type: "string", Description: "Candidate id from browser_list"},
		}, "browserId"),
	}, s.handleBrowserConnect)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "session_list",
		Description: "List the browser sessions tracked on the local port range.",
		InputSchema: objectSchema(nil),
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, s.handleSessionList)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "session_select",
		Description: "Make the session on a port the default command target.",
		InputSchema: objectSchema(map[string]*jsonschema.Schema{
			"port": {Type: "integer", Description: "Port of the session to promote"},
		}, "port"),
	}, s.handleSessionSelect)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "stealth_mode",
		Description: "Toggle stealth mode on a browser session.",
		InputSchema: objectSchema(map[string]*jsonschema.Schema{
			"enabled": {Type: "boolean", Description: "Desired stealth state"},
			"port":    portProperty(),
		}, "enabled"),
	}, s.handleStealthMode)

	for _, rc := range routedCommands {
		props := map[string]*jsonschema.Schema{"port": portProperty()}
		var required []string
		for name, prop := range rc.props {
			props[name] = prop
			required = append(required, name)
		}

		tool := &mcp.Tool{
			Name:        rc.name,
			Description: rc.desc,
			InputSchema: objectSchema(props, required...),
		}
		if rc.readOnly {
			tool.Annotations = &mcp.ToolAnnotations{ReadOnlyHint: true}
		}
		s.mcp.AddTool(tool, s.routed(rc.name))
	}
}

func (s *Server) handleBrowserEnable(ctx context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snap, err := s.bridge.Enable(ctx)
	if err != nil {
		s.log.Warn("browser_enable failed", "error", err)
		return errorResult(err.Error()), nil
	}

	return jsonResult(snap), nil
}

func (s *Server) handleBrowserDisable(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snap, err := s.bridge.Disable()
	if err != nil {
		return errorResult(err.Error()), nil
	}

	return jsonResult(snap), nil
}

func (s *Server) handleBrowserStatus(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.bridge.Status()), nil
}

func (s *Server) handleBrowserList(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	browsers := s.bridge.Status().AvailableBrowsers
	if browsers == nil {
		browsers = []state.Browser{}
	}

	return jsonResult(browsers), nil
}

func (s *Server) handleBrowserConnect(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := parseArguments(req)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	id, _ := args["browserId"].(string)
	if id == "" {
		return errorResult("browserId is required"), nil
	}

	snap, err := s.bridge.BrowserConnect(ctx, id)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	return jsonResult(snap), nil
}

func (s *Server) handleSessionList(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	infos := s.bridge.Sessions()
	if infos == nil {
		infos = []session.Info{}
	}

	return jsonResult(infos), nil
}

func (s *Server) handleSessionSelect(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := parseArguments(req)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	port, ok := intArg(args, "port")
	if !ok {
		return errorResult("port is required"), nil
	}

	if err := s.bridge.SetActive(port); err != nil {
		return errorResult(err.Error()), nil
	}

	return textResult(fmt.Sprintf("session on port %d is now active", port)), nil
}

func (s *Server) handleStealthMode(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := parseArguments(req)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	enabled, ok := args["enabled"].(bool)
	if !ok {
		return errorResult("enabled is required"), nil
	}
	port, _ := intArg(args, "port")

	if err := s.bridge.SetStealth(port, enabled); err != nil {
		return errorResult(err.Error()), nil
	}
	if enabled {
		return textResult("stealth mode enabled"), nil
	}

	return textResult("stealth mode disabled"), nil
}

// routed builds the handler for a command tool: arguments go through the
// session router untouched, so the router's port override applies.
func (s *Server) routed(command string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var params json.RawMessage
		if req != nil && req.Params != nil {
			params = req.Params.Arguments
		}

		res, err := s.bridge.RouteCommand(ctx, command, params)
		if err != nil {
			s.log.Warn("command failed", "command", command, "error", err)
			return errorResult(err.Error()), nil
		}
		if len(res) == 0 {
			return textResult("ok"), nil
		}

		return textResult(string(res)), nil
	}
}

func portProperty() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "integer", Description: "Target session port, the active session when omitted"}
}

func objectSchema(props map[string]*jsonschema.Schema, required ...string) *jsonschema.Schema {
	schema := &jsonschema.Schema{Type: "object"}
	if len(props) > 0 {
		schema.Properties = props
	}
	if len(required) > 0 {
		schema.Required = required
	}

	return schema
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

func errorResult(message string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: message}},
		IsError: true,
	}
}

func jsonResult(v any) *mcp.CallToolResult {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("failed to encode result: %v", err))
	}

	return textResult(string(raw))
}

// parseArguments unmarshals the raw tool arguments into a map.
func parseArguments(req *mcp.CallToolRequest) (map[string]any, error) {
	if req == nil || req.Params == nil || len(req.Params.Arguments) == 0 {
		return map[string]any{}, nil
	}

	var args map[string]any
	if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
		return nil, fmt.Errorf("failed to unmarshal arguments: %w", err)
	}

	return args, nil
}

// intArg reads a JSON number argument as an int.
func intArg(args map[string]any, key string) (int, bool) {
	v, ok := args[key].(float64)
	if !ok {
		return 0, false
	}

	return int(v), true
}
