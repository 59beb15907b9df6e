package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/SyncWithRaj/ChatWithYT/internal/api"
	"github.com/SyncWithRaj/ChatWithYT/internal/feed"
	"github.com/SyncWithRaj/ChatWithYT/internal/hermes"
	"github.com/SyncWithRaj/ChatWithYT/internal/mcp"
	"github.com/SyncWithRaj/ChatWithYT/internal/processor"
	"github.com/SyncWithRaj/ChatWithYT/internal/rag"
)

const shutdownTimeout = 15 * time.Second

var errNoNATS = errors.New("NATS_URL is not configured")

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and, when NATS_URL is set, the ingest request consumer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(os.Stdout)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			logger := slog.Default()
			logger.Info("chatwithyt starting", "port", cfg.Port)

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.hermes != nil {
				proc := processor.New(a.svc, a.hermes, logger)
				if err := a.hermes.QueueSubscribe(hermes.SubjectIngestRequest, hermes.IngestQueueGroup, proc.HandleIngestRequest); err != nil {
					return fmt.Errorf("subscribe to ingest requests: %w", err)
				}
			}

			srv := api.NewServer(cfg.Port, a.svc, cfg.CORSOrigins, logger)
			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			logger.Info("chatwithyt ready", "port", cfg.Port)

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("HTTP shutdown incomplete", "error", err)
			}
			if a.hermes != nil {
				if err := a.hermes.Drain(); err != nil {
					logger.Warn("NATS drain failed", "error", err)
				}
			}
			logger.Info("chatwithyt stopped")
			return nil
		},
	}
}

func newIngestCmd(opts *rootOptions) *cobra.Command {
	var async bool
	cmd := &cobra.Command{
		Use:   "ingest <video-url>",
		Short: "Fetch, chunk, embed and index one video",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(os.Stderr)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, slog.Default())
			if err != nil {
				return err
			}
			defer a.Close()

			if async {
				if a.hermes == nil {
					return errNoNATS
				}
				req := hermes.IngestRequest{URL: args[0], RequestID: uuid.NewString()}
				if err := a.hermes.Publish(hermes.SubjectIngestRequest, req); err != nil {
					return fmt.Errorf("publish ingest request: %w", err)
				}
				if err := a.hermes.Drain(); err != nil {
					return fmt.Errorf("flush ingest request: %w", err)
				}
				return printJSON(cmd, req)
			}

			out, err := a.svc.IngestURL(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
	cmd.Flags().BoolVar(&async, "async", false, "publish an ingest request on NATS instead of ingesting in-process")
	return cmd
}

func newChatCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "chat <video-id> <question>",
		Short: "Ask a question about an indexed video",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(os.Stderr)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, slog.Default())
			if err != nil {
				return err
			}
			defer a.Close()

			answer, err := a.svc.Chat(cmd.Context(), args[0], []rag.Turn{{Role: "user", Content: args[1]}})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), answer)
			return nil
		},
	}
}

func newIngestFeedCmd(opts *rootOptions) *cobra.Command {
	var (
		maxItems int
		workers  int
	)
	cmd := &cobra.Command{
		Use:   "ingest-feed <feed-url|channel-id|playlist-id>",
		Short: "Ingest the latest videos of a channel or playlist feed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			feedURL, err := feed.ResolveFeedURL(args[0])
			if err != nil {
				return err
			}
			cfg, err := opts.load(os.Stderr)
			if err != nil {
				return err
			}
			logger := slog.Default()
			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			items, err := feed.NewReader(nil).Items(cmd.Context(), feedURL, maxItems)
			if err != nil {
				return err
			}
			s := feed.Ingest(cmd.Context(), a.svc, items, workers, logger)

			w := cmd.OutOrStdout()
			for _, r := range s.Results {
				switch {
				case r.Err != nil:
					fmt.Fprintf(w, "FAIL    %s  %v\n", r.Item.URL, r.Err)
				case r.Outcome.Message != "":
					fmt.Fprintf(w, "%-7s %s  %s\n", r.Outcome.Status, r.Item.URL, r.Outcome.Message)
				default:
					fmt.Fprintf(w, "%-7s %s  chunks=%d\n", r.Outcome.Status, r.Item.URL, r.Outcome.Chunks)
				}
			}
			fmt.Fprintf(w, "\nindexed=%d existing=%d failed=%d\n", s.Indexed, s.Existing, s.Failed)
			if s.Failed == len(items) {
				return fmt.Errorf("all %d feed items failed", s.Failed)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&maxItems, "max", 15, "maximum number of feed entries to ingest (0 = all)")
	cmd.Flags().IntVar(&workers, "workers", 4, "concurrent ingestions")
	return cmd
}

func newMCPCmd(opts *rootOptions) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve ingest_video and ask_video as MCP tools",
		Long: `Start a Model Context Protocol server exposing two tools:
  ingest_video {url}                 index a video transcript
  ask_video {video_id, question}     answer from an indexed transcript

The server speaks JSON-RPC over stdio unless --port is given, in which case
it serves the streamable HTTP transport.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(os.Stderr)
			if err != nil {
				return err
			}
			logger := slog.Default()
			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			server, err := mcp.NewServer(a.svc, logger)
			if err != nil {
				return err
			}
			if port > 0 {
				return server.RunHTTP(cmd.Context(), fmt.Sprintf(":%d", port))
			}
			return server.Run(cmd.Context())
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "HTTP port (0 = use stdio)")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
