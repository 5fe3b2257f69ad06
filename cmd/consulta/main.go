package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ignea/consulta/internal/client"
	"github.com/ignea/consulta/internal/config"
	"github.com/ignea/consulta/internal/log"
	"github.com/ignea/consulta/internal/version"
)

var (
	cfg config.File

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
	flagServerURL      string // value of --server flag
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCmd()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("consulta failed", "err", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:               "consulta",
		Short:             "Batch CNPJ lookup server and client",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: initConsulta,
	}
	root.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is consulta.yaml in the current directory when present")
	root.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	root.PersistentFlags().StringVar(&flagServerURL, "server", "", "server URL; overrides client.server_url, discovered over mDNS when empty")

	root.AddCommand(
		newServerCmd(),
		newRunCmd(),
		newDetailsCmd(),
		newCreditsCmd(),
		newHistoryCmd(),
		newFilterCmd(),
		newVersionCmd(),
	)
	return root
}

func initConsulta(cmd *cobra.Command, _ []string) error {
	path := flagConfigFilePath
	if envConfig, ok := os.LookupEnv("CONSULTA_CONFIG"); ok && path == "" {
		path = envConfig
	}
	if path == "" && exists("consulta.yaml") {
		path = "consulta.yaml"
	}

	dotenv := []string{".env"}
	if path != "" {
		dotenv = append(dotenv, filepath.Join(filepath.Dir(path), ".env"))
	}
	loaded, err := config.Load(cmd.Context(), path, dotenv...)
	if err != nil {
		return err
	}
	cfg = loaded

	// --verbose has a precedence over config file
	if flagVerbose {
		cfg.Log.Verbose = true
	}
	slog.SetDefault(log.New(cfg.Log.Verbose))
	slog.Debug("config loaded", "path", path)
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func newServerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Run the job API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			ctx = log.ContextAttrs(ctx, slog.Group("consulta",
				slog.String("cmd", "server"),
				slog.Int("pid", os.Getpid()),
			))
			return runServer(ctx, cfg)
		},
	}
}

// newClient connects to the configured server, or the first one found over
// mDNS, and checks that its version is compatible.
func newClient(ctx context.Context) (*client.Client, error) {
	url := flagServerURL
	if url == "" {
		url = cfg.Client.ServerURL
	}
	if url == "" {
		found, err := client.DiscoverURL(ctx, cfg.Client.DiscoverTimeout)
		if err != nil {
			return nil, err
		}
		slog.Debug("discovered server", "url", found)
		url = found
	}
	cl, err := client.New(url, cfg.Client, nil)
	if err != nil {
		return nil, err
	}
	if _, err := cl.CheckServer(ctx); err != nil {
		return nil, err
	}
	return cl, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of consulta",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "consulta: %s\n", version.Current())
			info, ok := debug.ReadBuildInfo()
			if !ok {
				return
			}
			fmt.Fprintf(out, "go:       %s\n", info.GoVersion)
			for _, s := range info.Settings {
				switch s.Key {
				case "vcs.revision":
					fmt.Fprintf(out, "commit:   %s\n", s.Value)
				case "vcs.time":
					fmt.Fprintf(out, "date:     %s\n", s.Value)
				case "vcs.modified":
					fmt.Fprintf(out, "dirty:    %s\n", s.Value)
				}
			}
		},
	}
}
