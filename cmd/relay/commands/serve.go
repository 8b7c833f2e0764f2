package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/opencode-ai/relay/internal/agentctx"
	"github.com/opencode-ai/relay/internal/config"
	"github.com/opencode-ai/relay/internal/httpapi"
	"github.com/opencode-ai/relay/internal/logging"
	"github.com/opencode-ai/relay/internal/persistence/filestore"
	"github.com/opencode-ai/relay/internal/relay"
	"github.com/opencode-ai/relay/internal/upstream"
)

var (
	servePort int
	serveDir  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay HTTP boundary",
	Long: `Start the relay's HTTP boundary: a per-user Registry of Relays
reachable over a minimal open/message/command/close + SSE surface.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8080, "Port to listen on")
	serveCmd.Flags().StringVar(&serveDir, "directory", "", "Working directory")
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(serveDir)
	if err != nil {
		return err
	}

	// godotenv is a dev convenience: a missing .env is not an error.
	_ = godotenv.Load()

	logging.Info().Str("version", Version).Msg("starting relay")
	logging.Info().Str("directory", workDir).Msg("working directory")

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	coreCfg, err := config.Load(workDir)
	if err != nil {
		return err
	}
	if coreCfg.EncryptionKey == "" {
		return fmt.Errorf("relay: RELAY_ENCRYPTION_KEY must be set to a hex-encoded 16/24/32-byte AES key")
	}

	ports := filestore.NewPorts(paths.StoragePath())
	up := upstream.New()
	defer up.Close()

	collab := relay.Collaborators{
		AgentRegistry: agentctx.NewRegistry(),
		Runtime:       echoRuntime{},
		ToolRegistry:  emptyToolRegistry{},
		ToolExecutor:  noopToolExecutor{},
		Functions:     staticFunctions{},
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	httpCfg := httpapi.DefaultConfig()
	httpCfg.Port = servePort
	srv := httpapi.New(ctx, httpCfg, ports, up, collab, *coreCfg)

	go func() {
		logging.Info().Int("port", servePort).Msg("relay listening")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logging.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info().Msg("shutting down relay...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("server shutdown error")
	}

	logging.Info().Msg("relay stopped")
	return nil
}
