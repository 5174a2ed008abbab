package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ppiankov/tenantwatch/internal/payload"
	"github.com/ppiankov/tenantwatch/internal/pipeline"
)

var (
	checkTenant  string
	checkUser    string
	checkRole    string
	checkModel   string
	checkPayload string
	checkFormat  string
)

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().StringVarP(&checkTenant, "tenant", "t", "", "Tenant id of the caller")
	checkCmd.Flags().StringVarP(&checkUser, "user", "u", "", "User id of the caller")
	checkCmd.Flags().StringVarP(&checkRole, "role", "r", "driver", "Role of the caller")
	checkCmd.Flags().StringVar(&checkModel, "model", "", "AI model tier")
	checkCmd.Flags().StringVarP(&checkPayload, "payload", "p", "", "JSON request body, @file to read a file, or - for stdin")
	checkCmd.Flags().StringVarP(&checkFormat, "format", "f", "text", "Output format (text|json)")
}

var checkCmd = &cobra.Command{
	Use:   "check <route>",
	Short: "Dry-run a request through the request-side checks",
	Long: "Runs tenant resolution, access control, isolation and sanitization for\n" +
		"one request without calling any upstream. Exit code 0 if the request\n" +
		"would be admitted, 1 if it would be blocked.",
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	body, err := readPayloadArg(checkPayload, cmd.InOrStdin())
	if err != nil {
		return err
	}

	st, err := buildStack(cmd.Context(), cfg, zap.NewNop(), stackOptions{})
	if err != nil {
		return err
	}
	defer st.Close()

	h := http.Header{}
	h.Set(pipeline.HeaderTenantID, checkTenant)
	h.Set(pipeline.HeaderUserRole, checkRole)
	if checkUser != "" {
		h.Set(pipeline.HeaderUserID, checkUser)
	}
	if checkModel != "" {
		h.Set(pipeline.HeaderModel, checkModel)
	}
	h.Set(pipeline.HeaderClientID, "cli")

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	pre, checkErr := st.orch.Check(ctx, &pipeline.Request{
		Route:   args[0],
		Method:  http.MethodPost,
		Headers: h,
		Payload: body,
	})
	var fail *pipeline.Failure
	if checkErr != nil && !errors.As(checkErr, &fail) {
		return checkErr
	}

	switch checkFormat {
	case "json":
		out := map[string]any{"allowed": checkErr == nil, "preflight": pre}
		if fail != nil {
			out["error"] = fail.Code
			out["reasons"] = fail.Reasons
		}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	default:
		printPreflight(cmd.OutOrStdout(), pre, fail)
	}

	if fail != nil {
		os.Exit(1)
	}
	return nil
}

func printPreflight(w io.Writer, pre *pipeline.Preflight, fail *pipeline.Failure) {
	fmt.Fprintf(w, "Operation: %s (%s/%s, model %s)\n", pre.Operation.Name, pre.Operation.Category, pre.Operation.Action, pre.Operation.Model)
	if pre.Bypassed {
		fmt.Fprintln(w, "Not an AI operation: bypassed")
		return
	}
	if pre.Fallback {
		fmt.Fprintf(w, "Tenant %s has no profile; default profile applied\n", pre.Context.TenantID)
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Stage", "Passed", "Reasons", "Warnings"})
	for _, c := range pre.Checks {
		passed := "YES"
		if !c.Passed {
			passed = "NO"
		}
		t.AppendRow(table.Row{c.Stage, passed, strings.Join(c.Reasons, "; "), strings.Join(c.Warnings, "; ")})
	}
	t.SetStyle(table.StyleLight)
	t.Render()

	if pre.Sanitization != nil {
		fmt.Fprintf(w, "Risk: %s (score %d, threshold %d)\n", pre.Sanitization.RiskLevel(), pre.Sanitization.RiskScore, pre.Sanitization.Threshold)
		if len(pre.Sanitization.Redacted) > 0 {
			fmt.Fprintf(w, "Redacted: %s\n", strings.Join(pre.Sanitization.Redacted, ", "))
		}
	}
	if fail != nil {
		fmt.Fprintf(w, "BLOCKED %s: %s\n", fail.Code, strings.Join(fail.Reasons, "; "))
		return
	}
	fmt.Fprintf(w, "ALLOWED (audit %s)\n", pre.AuditID)
}

// readPayloadArg decodes a JSON object given inline, as @file or as - for
// stdin. Non-JSON text becomes {"input": text}.
func readPayloadArg(arg string, stdin io.Reader) (payload.Payload, error) {
	var raw []byte
	switch {
	case arg == "":
		return payload.Payload{}, nil
	case arg == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		raw = data
	case strings.HasPrefix(arg, "@"):
		data, err := os.ReadFile(arg[1:])
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		raw = data
	default:
		raw = []byte(arg)
	}

	text := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(text, "{") {
		return payload.Payload{"input": text}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(text), &m); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}
	return payload.FromMap(m), nil
}
