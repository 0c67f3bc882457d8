package main

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/fieldmark/farmsync/internal/config"
	"github.com/fieldmark/farmsync/internal/ui"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create .farmsync settings and an empty store",
	Long: `Create the .farmsync directory in the current directory (or --dir), write
config.yaml and initialize the local store.

On a terminal, missing settings are asked for interactively. Use --yes to
accept flags and defaults without prompting.

Examples:
  farmsync init
  farmsync init --server https://sync.example.com --tenant north-farm --yes`,
	Run: runInit,
}

var gitignoreTemplate = `# Local farmsync state
*.db
*.db-shm
*.db-wal
*.sync.lock
*.log
inbox/
`

func init() {
	initCmd.Flags().Bool("yes", false, "Do not prompt")
	initCmd.Flags().Bool("force", false, "Overwrite an existing config.yaml")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) {
	yes, _ := cmd.Flags().GetBool("yes")
	force, _ := cmd.Flags().GetBool("force")

	dir := configDir
	if dir == "" {
		dir = config.DirName
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		fatalf("%v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, config.FileName)); err == nil && !force {
		fatalf("%s already exists (use --force to overwrite)", filepath.Join(dir, config.FileName))
	}

	server, tenant, token := cfg.ServerURL, cfg.Tenant, cfg.Token
	purge := cfg.PurgeTombstones
	if !yes && ui.IsInteractive() {
		form := huh.NewForm(huh.NewGroup(
			huh.NewInput().
				Title("Sync server URL").
				Description("Leave empty to work offline for now.").
				Value(&server).
				Validate(validateServerURL),
			huh.NewInput().
				Title("Tenant").
				Value(&tenant),
			huh.NewInput().
				Title("Access token").
				EchoMode(huh.EchoModePassword).
				Value(&token),
			huh.NewConfirm().
				Title("Purge acknowledged tombstones after each sync?").
				Value(&purge),
		))
		if err := form.Run(); err != nil {
			fatalf("%v", err)
		}
	}
	if err := validateServerURL(server); err != nil {
		fatalf("%v", err)
	}

	values := map[string]any{
		config.KeyServerURL: server,
		config.KeyTenant:    tenant,
		config.KeyPurge:     purge,
	}
	if token != "" {
		values[config.KeyToken] = token
	}
	file, err := config.Save(dir, values)
	if err != nil {
		fatalf("%v", err)
	}
	ignore := filepath.Join(dir, ".gitignore")
	if _, err := os.Stat(ignore); os.IsNotExist(err) {
		if err := os.WriteFile(ignore, []byte(gitignoreTemplate), 0644); err != nil {
			fatalf("failed to write %s: %v", ignore, err)
		}
	}

	// Reload so the store lands where the new config says.
	loaded, err := config.Load(settings, dir)
	if err != nil {
		fatalf("%v", err)
	}
	closeConfig()
	cfg = loaded
	store := openStore()
	_ = store.Close()

	fmt.Printf("%s Initialized %s\n", ui.RenderPass("✓"), file)
	fmt.Printf("  store: %s\n", cfg.DBPath)
	if server == "" {
		fmt.Printf("  %s no sync server yet; set server_url before running sync\n", ui.RenderWarn("⚠"))
	}
}

func validateServerURL(s string) error {
	if s == "" {
		return nil
	}
	u, err := url.Parse(s)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("must be an http:// or https:// URL")
	}
	return nil
}
