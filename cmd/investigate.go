package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/bgdnvk/cloudsleuth/internal/agent"
	"github.com/bgdnvk/cloudsleuth/internal/agent/memory"
	"github.com/bgdnvk/cloudsleuth/internal/agent/model"
	"github.com/bgdnvk/cloudsleuth/internal/config"
	"github.com/bgdnvk/cloudsleuth/internal/report"
	"github.com/bgdnvk/cloudsleuth/internal/specialist"
)

var investigateCmd = &cobra.Command{
	Use:   "investigate [description]",
	Short: "Investigate a failing workload and report the likely root cause",
	Long: `Investigate a failure from an error description, X-Ray trace ids, resource ARNs
or a JSON request payload, and print a root-cause report.

The payload is taken from the arguments, from --file, or from stdin.

Examples:
  cloudsleuth investigate "order-processor lambda fails with AccessDenied, trace 1-5f84c7a1-3c1b2f0e9d8a7b6c5d4e3f2a"
  cloudsleuth investigate --file incident.json --mode handoff --format json
  cloudsleuth investigate --role arn:aws:iam::123456789012:role/Investigator --external-id ext-1 "..."`,
	RunE: runInvestigate,
}

func init() {
	f := investigateCmd.Flags()
	f.String("region", "", "AWS region of the failing workload (default aws.region)")
	f.String("role", "", "cross-account role ARN to assume for the investigation")
	f.String("external-id", "", "external id required by the cross-account role")
	f.StringP("file", "f", "", "read the request payload from a file (- for stdin)")
	f.String("mode", "", "execution mode: parallel or handoff (default engine.mode)")
	f.StringP("format", "o", report.FormatText, "output format: text, json or yaml")
	f.BoolP("verbose", "v", false, "include facts and the timeline in text output")

	viper.BindPFlag("aws.region", f.Lookup("region"))

	rootCmd.AddCommand(investigateCmd)
}

func runInvestigate(cmd *cobra.Command, args []string) error {
	file, _ := cmd.Flags().GetString("file")
	payload, err := readPayload(args, file, cmd.InOrStdin(), stdinIsPipe())
	if err != nil {
		return err
	}

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

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mode, _ := cmd.Flags().GetString("mode")
	role, _ := cmd.Flags().GetString("role")
	externalID, _ := cmd.Flags().GetString("external-id")
	format, _ := cmd.Flags().GetString("format")
	verbose, _ := cmd.Flags().GetBool("verbose")

	if viper.GetBool("debug") {
		fmt.Fprintf(os.Stderr, "🔍 Investigating in %s (mode %s)...\n", cfg.AWS.Region, firstNonEmpty(mode, cfg.Engine.Mode))
	}

	rep, err := iv.investigate(ctx, investigateInput{
		Payload:    payload,
		Region:     cfg.AWS.Region,
		Role:       role,
		ExternalID: externalID,
		Mode:       mode,
	})
	if err != nil {
		return err
	}

	return report.Render(cmd.OutOrStdout(), rep, format, report.Options{ShowFacts: verbose, ShowTimeline: verbose})
}

// readPayload joins the positional arguments, or reads file, or reads stdin
// when it is piped.
func readPayload(args []string, file string, stdin io.Reader, piped bool) (string, error) {
	var payload string
	switch {
	case file == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read payload from stdin: %w", err)
		}
		payload = string(b)
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("failed to read payload file: %w", err)
		}
		payload = string(b)
	case len(args) > 0:
		payload = strings.Join(args, " ")
	case piped:
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read payload from stdin: %w", err)
		}
		payload = string(b)
	}

	payload = strings.TrimSpace(payload)
	if payload == "" {
		return "", errors.New("no request payload: pass a description, --file, or pipe it on stdin")
	}
	return payload, nil
}

func stdinIsPipe() bool {
	st, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return st.Mode()&os.ModeCharDevice == 0
}

type investigateInput struct {
	Payload    string
	Region     string
	Role       string
	ExternalID string
	// Mode overrides engine.mode for this run when set.
	Mode string
}

// investigator wires the engine to the AWS-backed specialists and the
// optional hints store. The CLI and the MCP server share it.
type investigator struct {
	cfg    config.Config
	logger *zap.Logger
	opener agent.SessionOpener
	store  *memory.Store
}

func newInvestigator(cfg config.Config, logger *zap.Logger) (*investigator, error) {
	iv := &investigator{
		cfg:    cfg,
		logger: logger,
		opener: specialist.NewOpener(cfg, logger),
	}
	if cfg.Hints.Path != "" {
		store, err := memory.Open(cfg.Hints.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open hints store: %w", err)
		}
		iv.store = store
	}
	return iv, nil
}

func (iv *investigator) Close() error {
	if iv.store == nil {
		return nil
	}
	return iv.store.Close()
}

func (iv *investigator) investigate(ctx context.Context, in investigateInput) (*model.InvestigationReport, error) {
	engineCfg := iv.cfg.Engine
	if in.Mode != "" {
		engineCfg.Mode = strings.ToLower(in.Mode)
		if err := engineCfg.Validate(); err != nil {
			return nil, err
		}
	}

	engine := agent.NewEngine(engineCfg, iv.opener, iv.logger)
	if iv.store != nil {
		engine.SetHintSource(iv.store)
	}

	region := in.Region
	if region == "" {
		region = iv.cfg.AWS.Region
	}
	rep, err := engine.Investigate(ctx, in.Payload, region, in.Role, in.ExternalID)
	if err != nil {
		return nil, err
	}

	if iv.store != nil && rep.Status != model.StatusFailed {
		if err := iv.store.RecordReport(ctx, rep); err != nil {
			iv.logger.Warn("failed to record run for hints", zap.String("run_id", rep.RunID), zap.Error(err))
		}
	}
	return rep, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
