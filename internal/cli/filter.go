package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/tenantwatch/internal/filter"
)

var (
	filterRole       string
	filterTenant     string
	filterAccess     string
	filterContext    string
	filterCompliance []string
	filterLevel      string
	filterFormat     string
)

func init() {
	rootCmd.AddCommand(filterCmd)
	filterCmd.Flags().StringVarP(&filterRole, "role", "r", "driver", "Recipient role")
	filterCmd.Flags().StringVarP(&filterTenant, "tenant", "t", "", "Recipient tenant id")
	filterCmd.Flags().StringVar(&filterAccess, "access", "", "Recipient access level (public|internal|confidential|restricted)")
	filterCmd.Flags().StringVar(&filterContext, "context", "internal", "Delivery context (customer_facing|internal|driver_app|partner)")
	filterCmd.Flags().StringSliceVar(&filterCompliance, "compliance", nil, "Compliance frameworks (e.g. GDPR,HIPAA)")
	filterCmd.Flags().StringVarP(&filterLevel, "level", "l", "", "Filter level; default from config")
	filterCmd.Flags().StringVarP(&filterFormat, "format", "f", "text", "Output format (text|json)")
}

var filterCmd = &cobra.Command{
	Use:   "filter [text]",
	Short: "Filter an AI response for a recipient",
	Long:  "Applies the response filter to text given as an argument or on stdin\nand prints the filtered text.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runFilter,
}

func runFilter(cmd *cobra.Command, args []string) error {
	var text string
	if len(args) == 1 && args[0] != "-" {
		text = args[0]
	} else {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		text = strings.TrimRight(string(data), "\n")
	}

	level := filterLevel
	if level == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		level = cfg.Filter.Level
	}
	fc, err := filter.ParseConfig(filterRole, filterTenant, filterAccess, filterContext, filterCompliance, level)
	if err != nil {
		return err
	}

	res := filter.New().Filter(text, fc)
	if filterFormat == "json" {
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Println(res.Text)
	if res.Applied() {
		fmt.Fprintf(os.Stderr, "censors: %s (risk %s)\n", strings.Join(res.CensorsApplied, ", "), res.RiskLevel)
	}
	return nil
}
