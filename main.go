package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"tracecollect/adb"
	"tracecollect/api"
	"tracecollect/config"
	"tracecollect/service"
)

// setupLogging creates a timestamped log file and mirrors log output to it
// alongside the console. Returns the file handle for deferred closing.
func setupLogging() (*os.File, error) {
	logDir := "log"
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	logPath := filepath.Join(logDir, timestamp+".log")

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	multiWriter := io.MultiWriter(os.Stdout, logFile)
	log.SetOutput(multiWriter)
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	log.Printf("📝 Logging to: %s", logPath)
	return logFile, nil
}

func main() {
	var (
		port       int
		configPath string
		verbose    bool
	)

	rootCmd := &cobra.Command{
		Use:   "tracecollect-proxy",
		Short: "ADB proxy server for trace collection",
		Long: "Bridges trace-collection clients to local Android devices: a token-guarded\n" +
			"HTTP API for polling transports and a websocket bridge for streaming ones.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logFile, err := setupLogging()
			if err != nil {
				log.Printf("Warning: Failed to setup file logging: %v", err)
			} else {
				defer logFile.Close()
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Port = port
			}

			token, err := config.Token()
			if err != nil {
				return fmt.Errorf("loading security token: %w", err)
			}
			log.Printf("🔑 Security token: %s", token)

			var store *service.Store
			if db, err := config.InitDatabase(cfg.DatabasePath); err != nil {
				log.Printf("Warning: capture history disabled: %v", err)
			} else {
				defer db.Close()
				store = service.NewStore(db)
			}

			adbClient := adb.NewClient(cfg.ADBPath)
			runner := service.NewTraceRunner(adbClient, store)
			defer runner.EndAll()

			if !verbose {
				gin.SetMode(gin.ReleaseMode)
			}
			server := api.NewServer(adbClient, runner, store, token, cfg.Port)
			router := server.Router()

			log.Printf("Server starting on http://localhost:%d", cfg.Port)
			log.Printf("Websocket bridge on ws://localhost:%d/adb-json", cfg.Port)
			return router.Run(fmt.Sprintf(":%d", cfg.Port))
		},
	}

	rootCmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides the config file)")
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose request logging")

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
