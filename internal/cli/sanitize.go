package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ppiankov/tenantwatch/internal/model"
	"github.com/ppiankov/tenantwatch/internal/pipeline"
	"github.com/ppiankov/tenantwatch/internal/sanitize"
)

var (
	sanitizeLevel    string
	sanitizeTenant   string
	sanitizeIndustry string
)

func init() {
	rootCmd.AddCommand(sanitizeCmd)
	sanitizeCmd.Flags().StringVarP(&sanitizeLevel, "level", "l", "", "Sanitization level (basic|standard|strict|maximum); default from config")
	sanitizeCmd.Flags().StringVarP(&sanitizeTenant, "tenant", "t", "", "Tenant id used to scope anonymization tokens")
	sanitizeCmd.Flags().StringVar(&sanitizeIndustry, "industry", "", "Tenant business type for industry phrases (carrier|broker|shipper|provider)")
}

var sanitizeCmd = &cobra.Command{
	Use:   "sanitize <payload>",
	Short: "Show what the sanitizer would redact from a payload",
	Long: "Runs the sanitizer over a JSON object (inline, @file or - for stdin) and\n" +
		"prints the report. Plain text is treated as {\"input\": text}.\n" +
		"Exit code 1 if the payload exceeds the risk threshold for the level.",
	Args: cobra.ExactArgs(1),
	RunE: runSanitize,
}

func runSanitize(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	body, err := readPayloadArg(args[0], cmd.InOrStdin())
	if err != nil {
		return err
	}

	level := model.SanitizationLevel(cfg.Sanitizer.DefaultLevel)
	if sanitizeLevel != "" {
		level = model.SanitizationLevel(strings.ToLower(sanitizeLevel))
		if !level.Valid() {
			return fmt.Errorf("unknown level %q", sanitizeLevel)
		}
	}

	st, err := buildStack(cmd.Context(), cfg, zap.NewNop(), stackOptions{})
	if err != nil {
		return err
	}
	defer st.Close()

	_, prompt := pipeline.PromptOf(body)
	rep := st.sanitizer.Sanitize(body, prompt, sanitize.Options{
		Level:    level,
		TenantID: sanitizeTenant,
		Industry: sanitizeIndustry,
	})
	if rep.Err != nil {
		return fmt.Errorf("sanitizer failed: %w", rep.Err)
	}

	out := struct {
		sanitize.Report
		RiskLevel model.Severity `json:"risk_level"`
	}{rep, rep.RiskLevel()}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))

	if !rep.Safe {
		fmt.Fprintf(os.Stderr, "UNSAFE: risk score %d exceeds threshold %d for level %s\n", rep.RiskScore, rep.Threshold, rep.Level)
		os.Exit(1)
	}
	return nil
}
