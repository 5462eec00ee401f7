package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/bgdnvk/cloudsleuth/internal/agent/model"
	"github.com/bgdnvk/cloudsleuth/internal/metrics"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the investigate tool over MCP stdio",
	Long: `Run an MCP server on stdin/stdout exposing the "investigate" tool, so an
assistant can request root-cause investigations directly. Logs go to stderr.`,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().String("metrics-addr", "", "serve prometheus metrics on this address while running (e.g. :9090)")
	viper.BindPFlag("metrics.addr", mcpCmd.Flags().Lookup("metrics-addr"))

	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync()

	iv, err := newInvestigator(cfg, logger)
	if err != nil {
		return err
	}
	defer iv.Close()

	if cfg.Metrics.Addr != "" {
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: metricsMux(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics listener stopped", zap.Error(err))
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
		logger.Info("serving metrics", zap.String("addr", cfg.Metrics.Addr))
	}

	s := newMCPServer(iv.investigate)
	if err := server.ServeStdio(s); err != nil {
		return fmt.Errorf("mcp server error: %w", err)
	}
	return nil
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

type investigateFunc func(ctx context.Context, in investigateInput) (*model.InvestigationReport, error)

func newMCPServer(run investigateFunc) *server.MCPServer {
	s := server.NewMCPServer(
		"cloudsleuth",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	tool := mcp.NewTool("investigate",
		mcp.WithDescription("Investigate a failing AWS workload and return a root-cause report as JSON"),
		mcp.WithString("payload",
			mcp.Required(),
			mcp.Description("Error description, X-Ray trace ids, resource ARNs, or a JSON request with targets/trace_ids/errors"),
		),
		mcp.WithString("region",
			mcp.Description("AWS region of the failing workload"),
		),
		mcp.WithString("role_arn",
			mcp.Description("Cross-account role to assume for read-only access"),
		),
		mcp.WithString("external_id",
			mcp.Description("External id required by the cross-account role"),
		),
		mcp.WithString("mode",
			mcp.Description("Execution mode"),
			mcp.Enum("parallel", "handoff"),
		),
	)
	s.AddTool(tool, investigateHandler(run))
	return s
}

func investigateHandler(run investigateFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		payload, err := request.RequireString("payload")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Invalid payload: %v", err)), nil
		}

		rep, err := run(ctx, investigateInput{
			Payload:    payload,
			Region:     request.GetString("region", ""),
			Role:       request.GetString("role_arn", ""),
			ExternalID: request.GetString("external_id", ""),
			Mode:       request.GetString("mode", ""),
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Investigation failed: %v", err)), nil
		}

		out, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to marshal report: %w", err)
		}
		return mcp.NewToolResultText(string(out)), nil
	}
}
