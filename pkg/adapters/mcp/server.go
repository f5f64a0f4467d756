package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aretw0/stepgraph"
	mermaid "github.com/aretw0/stepgraph/internal/presentation/graph"
	"github.com/aretw0/stepgraph/pkg/domain"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"golang.org/x/sync/errgroup"
)

// ResourcePrefix is the URI prefix of graph resources.
const ResourcePrefix = "stepgraph://graphs/"

// RunArgs are the arguments of the run_graph tool.
type RunArgs struct {
	GraphID      string         `json:"graph_id"`
	InitialState map[string]any `json:"initial_state,omitempty"`
	Wait         bool           `json:"wait,omitempty"`
}

// RunResult is returned by run_graph and get_run.
type RunResult struct {
	RunID   string              `json:"run_id" jsonschema_description:"Identifier of the run"`
	GraphID string              `json:"graph_id,omitempty" jsonschema_description:"Graph the run executes"`
	Status  domain.RunStatus    `json:"status" jsonschema_description:"pending, running, completed or failed"`
	State   domain.State        `json:"state,omitempty" jsonschema_description:"Current state of the run"`
	History []domain.StepRecord `json:"history,omitempty" jsonschema_description:"Completed steps in order"`
	Error   string              `json:"error,omitempty" jsonschema_description:"Failure message of a failed run"`
}

// GetRunArgs are the arguments of the get_run tool.
type GetRunArgs struct {
	RunID string `json:"run_id"`
}

// GraphList is returned by list_graphs.
type GraphList struct {
	Graphs []string `json:"graphs" jsonschema_description:"Registered graph IDs"`
}

// Server exposes a stepgraph.Service as an MCP server.
type Server struct {
	svc       *stepgraph.Service
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a new MCP Server instance.
func NewServer(svc *stepgraph.Service) *Server {
	s := &Server{
		svc:    svc,
		logger: svc.Logger(),
		mcpServer: server.NewMCPServer("stepgraph-mcp", strings.TrimSpace(stepgraph.Version),
			server.WithToolCapabilities(false),
			server.WithResourceCapabilities(false, false),
		),
	}
	s.registerTools()
	s.registerResources()
	return s
}

// ServeStdio serves on Stdin/Stdout until ctx is done.
func (s *Server) ServeStdio(ctx context.Context) error {
	return server.NewStdioServer(s.mcpServer).Listen(ctx, os.Stdin, os.Stdout)
}

// ServeSSE serves on addr using SSE until ctx is done.
func (s *Server) ServeSSE(ctx context.Context, addr string) error {
	host := addr
	if strings.HasPrefix(host, ":") {
		host = "localhost" + host
	}
	sseServer := server.NewSSEServer(s.mcpServer, server.WithBaseURL("http://"+host))

	mux := http.NewServeMux()
	mux.Handle("/sse", corsMiddleware(sseServer.SSEHandler()))
	mux.Handle("/message", corsMiddleware(sseServer.MessageHandler()))

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("MCP server listening (SSE)", "address", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) registerTools() {
	runTool := mcp.NewTool("run_graph",
		mcp.WithDescription("Start a run of a registered graph. Returns the run ID; set wait to block until the run finishes."),
		mcp.WithString("graph_id", mcp.Required(), mcp.Description("ID of the graph to run")),
		mcp.WithObject("initial_state", mcp.Description("Initial state of the run")),
		mcp.WithBoolean("wait", mcp.Description("Wait for the run to reach a terminal status")),
		mcp.WithOutputSchema[RunResult](),
	)
	s.mcpServer.AddTool(runTool, mcp.NewStructuredToolHandler(s.handleRunGraph))

	getTool := mcp.NewTool("get_run",
		mcp.WithDescription("Get the status, state and step history of a run."),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID returned by run_graph")),
		mcp.WithOutputSchema[RunResult](),
	)
	s.mcpServer.AddTool(getTool, mcp.NewStructuredToolHandler(s.handleGetRun))

	listTool := mcp.NewTool("list_graphs",
		mcp.WithDescription("List the registered graph IDs."),
		mcp.WithOutputSchema[GraphList](),
	)
	s.mcpServer.AddTool(listTool, mcp.NewStructuredToolHandler(s.handleListGraphs))
}

func (s *Server) handleRunGraph(ctx context.Context, request mcp.CallToolRequest, args RunArgs) (RunResult, error) {
	if args.GraphID == "" {
		return RunResult{}, errors.New("graph_id is required")
	}

	runID, err := s.svc.Submit(ctx, args.GraphID, domain.State(args.InitialState))
	if err != nil {
		return RunResult{}, err
	}
	if !args.Wait {
		return RunResult{RunID: runID, GraphID: args.GraphID, Status: domain.StatusPending}, nil
	}

	run, err := s.svc.Await(ctx, runID)
	if err != nil {
		return RunResult{}, fmt.Errorf("await run %s: %w", runID, err)
	}
	return toResult(run), nil
}

func (s *Server) handleGetRun(ctx context.Context, request mcp.CallToolRequest, args GetRunArgs) (RunResult, error) {
	run, err := s.svc.Status(ctx, args.RunID)
	if err != nil {
		return RunResult{}, err
	}
	return toResult(run), nil
}

func (s *Server) handleListGraphs(ctx context.Context, request mcp.CallToolRequest, args map[string]any) (GraphList, error) {
	return GraphList{Graphs: s.svc.Graphs()}, nil
}

func toResult(run *domain.Run) RunResult {
	return RunResult{
		RunID:   run.ID,
		GraphID: run.GraphID,
		Status:  run.Status,
		State:   run.State,
		History: run.History,
		Error:   run.Error,
	}
}

// graphDocument is the JSON body of a graph resource.
type graphDocument struct {
	ID          string            `json:"id"`
	EntryPoint  string            `json:"entry_point"`
	Nodes       []string          `json:"nodes"`
	Edges       map[string]string `json:"edges"`
	Conditional []string          `json:"conditional"`
	Mermaid     string            `json:"mermaid"`
}

func (s *Server) registerResources() {
	s.mcpServer.AddResource(mcp.NewResource("stepgraph://graphs", "Registered graphs",
		mcp.WithMIMEType("application/json"),
	), func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		body, err := json.Marshal(GraphList{Graphs: s.svc.Graphs()})
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{URI: request.Params.URI, MIMEType: "application/json", Text: string(body)},
		}, nil
	})

	for _, id := range s.svc.Graphs() {
		uri := ResourcePrefix + id
		s.mcpServer.AddResource(mcp.NewResource(uri, "Graph "+id,
			mcp.WithResourceDescription("Definition and Mermaid diagram of graph "+id),
			mcp.WithMIMEType("application/json"),
		), s.readGraph)
	}
}

func (s *Server) readGraph(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	id := strings.TrimPrefix(request.Params.URI, ResourcePrefix)
	g, err := s.svc.Graph(id)
	if err != nil {
		return nil, err
	}

	doc := graphDocument{
		ID:          g.ID(),
		EntryPoint:  g.EntryPoint(),
		Nodes:       g.Nodes(),
		Edges:       g.Edges(),
		Conditional: g.Conditionals(),
		Mermaid:     mermaid.GenerateMermaid(g, nil),
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode graph %s: %w", id, err)
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(body),
		},
	}, nil
}
