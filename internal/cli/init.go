package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/tenantwatch/internal/access"
	"github.com/ppiankov/tenantwatch/internal/config"
	"github.com/ppiankov/tenantwatch/internal/model"
	"github.com/ppiankov/tenantwatch/internal/tenant"
)

var (
	initDir   string
	initForce bool
)

func init() {
	initCmd.Flags().StringVar(&initDir, "dir", ".", "Directory to write tenantwatch.yaml, tenants.yaml and roles.yaml into")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing files")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init-config",
	Short: "Write a default config, tenant profiles and role policy",
	Long: `Creates a commented tenantwatch.yaml plus starter tenants.yaml and
roles.yaml. The config points at the two data files, which are
hot-reloaded by "tenantwatch serve".`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	var created []string

	tenantsPath := filepath.Join(initDir, "tenants.yaml")
	tenantsContent, err := defaultTenantsYAML()
	if err != nil {
		return fmt.Errorf("generate tenant profiles: %w", err)
	}
	if wrote, err := writeIfMissing(tenantsPath, tenantsContent); err != nil {
		return err
	} else if wrote {
		created = append(created, tenantsPath)
	}

	rolesPath := filepath.Join(initDir, "roles.yaml")
	rolesContent, err := defaultRolesYAML()
	if err != nil {
		return fmt.Errorf("generate role policy: %w", err)
	}
	if wrote, err := writeIfMissing(rolesPath, rolesContent); err != nil {
		return err
	} else if wrote {
		created = append(created, rolesPath)
	}

	configPath := filepath.Join(initDir, "tenantwatch.yaml")
	content := strings.Replace(config.DefaultYAML, "\n  file: \"\"", fmt.Sprintf("\n  file: %q", tenantsPath), 1)
	content = strings.Replace(content, "roles_file: \"\"", fmt.Sprintf("roles_file: %q", rolesPath), 1)
	if wrote, err := writeIfMissing(configPath, content); err != nil {
		return err
	} else if wrote {
		created = append(created, configPath)
	}

	fmt.Println("tenantwatch init complete.")
	fmt.Println()
	if len(created) > 0 {
		fmt.Println("Created:")
		for _, path := range created {
			fmt.Printf("  %s\n", path)
		}
	} else {
		fmt.Println("All files already exist (use --force to overwrite).")
	}
	fmt.Println()
	fmt.Println("Start the gateway:")
	fmt.Printf("  tenantwatch serve --config %s --upstream http://localhost:9000\n", configPath)
	return nil
}

// writeIfMissing writes content to path if it doesn't exist or --force is set.
// Returns true if the file was written.
func writeIfMissing(path, content string) (bool, error) {
	if !initForce {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("create directory %s: %w", dir, err)
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}

func defaultTenantsYAML() (string, error) {
	f := tenant.File{
		Default: tenant.DefaultProfile(),
		Tenants: []*tenant.Profile{{
			TenantID:       "acme",
			Organization:   "Acme Freight",
			BusinessType:   tenant.BusinessCarrier,
			Tier:           model.TierEnterprise,
			Features:       []string{"*"},
			Classification: model.ClassConfidential,
			Compliance:     []string{"GDPR"},
			Active:         true,
		}},
	}
	data, err := yaml.Marshal(f)
	if err != nil {
		return "", err
	}
	header := "# tenantwatch tenant profiles.\n" +
		"# default is served for tenant ids without a profile.\n" +
		"# features: \"*\", operation names (ai.route.optimize) or categories (customer_service).\n\n"
	return header + string(data), nil
}

func defaultRolesYAML() (string, error) {
	data, err := yaml.Marshal(access.DefaultPolicy())
	if err != nil {
		return "", err
	}
	header := "# tenantwatch role policy.\n" +
		"# Roles inherit permissions from their parent; restrictions apply per role.\n\n"
	return header + string(data), nil
}
