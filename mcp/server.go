package mcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"pkt.systems/pslog"

	"github.com/leben-philippka/jamfbridge/client"
	"github.com/leben-philippka/jamfbridge/internal/logtag"
)

const (
	// DefaultListen is the facade's default bind address. The facade serves
	// plain HTTP; put a TLS-terminating proxy in front for remote callers.
	DefaultListen = ":8080"
	// DefaultMCPPath is the HTTP path serving the MCP transport.
	DefaultMCPPath = "/mcp"
)

// Config controls the MCP facade runtime behavior.
type Config struct {
	// Listen is the bind address, for example ":8080". The handler speaks
	// plain HTTP.
	Listen string
	// MCPPath is the HTTP path the streamable transport is mounted on.
	MCPPath string
	// ShutdownTimeout caps graceful HTTP shutdown.
	ShutdownTimeout time.Duration
}

// Server is the MCP facade service contract.
type Server interface {
	Run(context.Context) error
}

// NewServerRequest wraps constructor inputs.
type NewServerRequest struct {
	Config   Config
	Upstream *client.Client
	Logger   pslog.Logger
}

type server struct {
	cfg          Config
	logger       pslog.Logger
	lifecycleLog pslog.Logger
	toolLog      pslog.Logger
	upstream     *client.Client
	httpServer   *http.Server
	mcpHTTPPath  string
}

// NewServer constructs the MCP facade service.
func NewServer(req NewServerRequest) (Server, error) {
	cfg := req.Config
	applyDefaults(&cfg)
	if req.Upstream == nil {
		return nil, errors.New("mcp: upstream client required")
	}

	logger := req.Logger
	if logger == nil {
		logger = pslog.NewStructured(os.Stderr).With("app", "jamfbridge")
	}

	s := &server{
		cfg:          cfg,
		logger:       logger,
		lifecycleLog: logtag.WithSubsystem(logger, "server.lifecycle.mcp"),
		toolLog:      logtag.WithSubsystem(logger, "mcp.tools"),
		upstream:     req.Upstream,
		mcpHTTPPath:  cleanHTTPPath(cfg.MCPPath),
	}

	mux := s.buildMux()
	s.httpServer = &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
	}
	return s, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Listen) == "" {
		cfg.Listen = DefaultListen
	}
	if strings.TrimSpace(cfg.MCPPath) == "" {
		cfg.MCPPath = DefaultMCPPath
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
}

func cleanHTTPPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return DefaultMCPPath
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

func (s *server) Run(ctx context.Context) error {
	s.lifecycleLog.Info("starting MCP facade",
		"listen", s.cfg.Listen, "mcp_path", s.mcpHTTPPath,
		"read_only", s.upstream.ReadOnly())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("mcp: serve %s: %w", s.cfg.Listen, err)
	}
}

func (s *server) buildMux() *http.ServeMux {
	mcpSrv := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "jamfbridge-mcp-facade",
		Version: "0.1.0",
	}, &mcpsdk.ServerOptions{
		Instructions: serverInstructions(s.upstream.ReadOnly()),
	})
	s.registerTools(mcpSrv)

	streamable := mcpsdk.NewStreamableHTTPHandler(func(_ *http.Request) *mcpsdk.Server {
		return mcpSrv
	}, nil)

	mux := http.NewServeMux()
	mux.Handle(s.mcpHTTPPath, streamable)
	return mux
}

func serverInstructions(readOnly bool) string {
	base := "Tools for reading and mutating device-management resources " +
		"(policies, computer groups, packages, patch configurations). " +
		"Writes are verified against the platform before the tool returns; " +
		"a verification failure means the write may have partially applied " +
		"and should be checked with a read, not blindly retried. " +
		"Update payloads use the platform's snake_case field names; " +
		"list-valued fields are replaced wholesale."
	if readOnly {
		base += " This facade runs in read-only mode: every mutating tool fails without contacting the platform."
	}
	return base
}
