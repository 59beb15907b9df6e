// Package mcp exposes video ingestion and question answering as Model Context
// Protocol tools.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/SyncWithRaj/ChatWithYT/internal/rag"
)

const Version = "0.1.0"

var (
	ErrMissingService = errors.New("rag service is required")
	ErrEmptyQuestion  = errors.New("question is required")
)

// Service is the part of rag.Service the tools call.
type Service interface {
	IngestURL(ctx context.Context, rawURL string) (rag.Outcome, error)
	Chat(ctx context.Context, videoID string, turns []rag.Turn) (string, error)
}

type Server struct {
	svc    Service
	server *mcp.Server
	logger *slog.Logger
}

func NewServer(svc Service, logger *slog.Logger) (*Server, error) {
	if svc == nil {
		return nil, ErrMissingService
	}

	s := &Server{
		svc:    svc,
		server: mcp.NewServer(&mcp.Implementation{Name: "chatwithyt", Version: Version}, nil),
		logger: logger,
	}
	s.registerTools()
	return s, nil
}

// Run serves over stdio until ctx is cancelled or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// RunHTTP serves the streamable HTTP transport on addr until ctx is cancelled.
func (s *Server) RunHTTP(ctx context.Context, addr string) error {
	handler := mcp.NewStreamableHTTPHandler(func(_ *http.Request) *mcp.Server {
		return s.server
	}, nil)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx) //nolint:errcheck
	}()

	s.logger.Info("MCP server listening", "addr", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve mcp: %w", err)
	}
	return nil
}

type IngestInput struct {
	URL string `json:"url" jsonschema:"YouTube video link to index"`
}

type AskInput struct {
	VideoID  string `json:"video_id" jsonschema:"id of an indexed video, as returned by ingest_video"`
	Question string `json:"question" jsonschema:"question about the video"`
}

type AskOutput struct {
	VideoID string `json:"video_id"`
	Answer  string `json:"answer"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "ingest_video",
		Description: "Fetch a YouTube video's transcript and index it for questions. Safe to repeat.",
	}, s.handleIngest)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "ask_video",
		Description: "Answer a question using only the transcript of an indexed video",
	}, s.handleAsk)
}

func (s *Server) handleIngest(ctx context.Context, _ *mcp.CallToolRequest, in IngestInput) (*mcp.CallToolResult, rag.Outcome, error) {
	out, err := s.svc.IngestURL(ctx, in.URL)
	if err != nil {
		return nil, rag.Outcome{}, err
	}
	s.logger.Info("mcp ingest", "video_id", out.VideoID, "status", out.Status, "chunks", out.Chunks)
	if out.Status == rag.StatusError {
		return &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{&mcp.TextContent{Text: out.Message}},
		}, out, nil
	}
	return nil, out, nil
}

func (s *Server) handleAsk(ctx context.Context, _ *mcp.CallToolRequest, in AskInput) (*mcp.CallToolResult, AskOutput, error) {
	if strings.TrimSpace(in.Question) == "" {
		return nil, AskOutput{}, ErrEmptyQuestion
	}
	answer, err := s.svc.Chat(ctx, in.VideoID, []rag.Turn{{Role: "user", Content: in.Question}})
	if err != nil {
		return nil, AskOutput{}, err
	}
	return nil, AskOutput{VideoID: in.VideoID, Answer: answer}, nil
}
