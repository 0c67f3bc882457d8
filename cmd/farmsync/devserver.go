package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/fieldmark/farmsync/internal/syncserver"
	"github.com/fieldmark/farmsync/internal/ui"
)

const devSecretEnv = "FARMSYNC_DEV_SECRET"

var devserverCmd = &cobra.Command{
	Use:     "devserver",
	GroupID: "maint",
	Short:   "Run an in-memory sync server for development",
	Long: `Serve the pull/push sync protocol from memory. Data is lost on exit.

Without a secret every request is accepted and the tenant comes from the
X-Tenant-ID header. With --secret (or FARMSYNC_DEV_SECRET) requests need a
bearer token; mint one with 'farmsync devserver token'.

Examples:
  farmsync devserver --addr 127.0.0.1:8080
  FARMSYNC_DEV_SECRET=s3cret farmsync devserver`,
	Run: runDevserver,
}

var devserverTokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Sign a bearer token for the development server",
	Long: `Print an HS256 token for --tenant, signed with the development server's
secret. Store it as token in .farmsync/config.yaml.`,
	Run:   runDevserverToken,
}

func init() {
	devserverCmd.PersistentFlags().String("secret", "", "HS256 signing secret (default: $"+devSecretEnv+")")
	devserverCmd.Flags().String("addr", "127.0.0.1:8080", "Listen address")
	devserverCmd.Flags().Bool("debug", false, "Log every request in gin debug mode")

	devserverTokenCmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")

	devserverCmd.AddCommand(devserverTokenCmd)
	rootCmd.AddCommand(devserverCmd)
}

func devSecret(cmd *cobra.Command) []byte {
	secret, _ := cmd.Flags().GetString("secret")
	if secret == "" {
		secret = os.Getenv(devSecretEnv)
	}
	return []byte(secret)
}

func runDevserver(cmd *cobra.Command, args []string) {
	addr, _ := cmd.Flags().GetString("addr")
	debug, _ := cmd.Flags().GetBool("debug")
	secret := devSecret(cmd)

	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	server := syncserver.New(syncserver.Config{
		Secret: secret,
		Logger: cfg.NewLogger("server"),
	})
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	auth := "disabled"
	if len(secret) > 0 {
		auth = "bearer token required"
	}
	fmt.Printf("%s Sync server on http://%s (auth %s, Ctrl+C to stop)\n", ui.RenderPass("✓"), addr, auth)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			fatalf("server failed: %v", err)
		}
	case <-ctx.Done():
		fmt.Println("\nShutting down...")
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			fatalf("shutdown: %v", err)
		}
	}
	fmt.Printf("Served %d requests\n", server.Requests())
}

func runDevserverToken(cmd *cobra.Command, args []string) {
	tenant := cfg.Tenant
	ttl, _ := cmd.Flags().GetDuration("ttl")
	secret := devSecret(cmd)
	if len(secret) == 0 {
		fatalf("a signing secret is required (--secret or %s)", devSecretEnv)
	}
	if tenant == "" {
		fatalf("--tenant (or tenant in config) is required")
	}

	token, err := syncserver.IssueToken(secret, tenant, ttl)
	if err != nil {
		fatalf("%v", err)
	}
	if jsonOutput {
		outputJSON(map[string]string{"token": token, "tenant": tenant, "expires": time.Now().Add(ttl).UTC().Format(time.RFC3339)})
		return
	}
	fmt.Println(token)
}
