package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/comfyvisor"
	"github.com/loykin/comfyvisor/pkg/client"
)

const defaultAPIUrl = "http://localhost:8000"

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	global := &GlobalFlags{}
	root := &cobra.Command{
		Use:   "comfyvisor",
		Short: "ComfyUI model manager and backend supervisor",
		Long: `comfyvisor is a sidecar that stores ComfyUI model files and supervises the
ComfyUI backend, restarting it after uploads.

Examples:
  comfyvisor serve --config=comfyvisor.toml
  comfyvisor status
  comfyvisor models upload loras ./style.safetensors --restart-mode=sync
  comfyvisor restart --wait --timeout=3m --api-url=http://gpu-node:8000`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&global.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&global.APIUrl, "api-url", "", "sidecar URL (default from config or "+defaultAPIUrl+")")
	root.PersistentFlags().DurationVar(&global.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	root.PersistentFlags().StringVar(&global.Token, "token", os.Getenv("COMFYVISOR_TOKEN"), "bearer token for a sidecar with auth enabled")
	root.PersistentFlags().StringVar(&global.User, "user", "", "basic credentials as name:password")
	root.PersistentFlags().BoolVar(&global.Insecure, "insecure", false, "skip TLS verification (self-signed sidecar certificates)")

	root.AddCommand(
		createServeCommand(global),
		createStatusCommand(global),
		createStartCommand(global),
		createStopCommand(global),
		createRestartCommand(global),
		createModelsCommand(global),
		createHistoryCommand(global),
		createAuthCommand(global),
	)
	return root
}

func createServeCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the sidecar",
		Long: `Run the sidecar HTTP API and supervise the backend until SIGINT or SIGTERM.
Configuration comes from the TOML file and COMFYVISOR_* environment variables.

Examples:
  comfyvisor serve
  comfyvisor serve /etc/comfyvisor.toml
  COMFYVISOR_BACKEND_PORT=8189 comfyvisor serve`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := global.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, path)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := comfyvisor.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	svc, err := comfyvisor.NewService(cfg, nil)
	if err != nil {
		return err
	}
	return svc.Run(ctx)
}

// apiURL picks the sidecar address: --api-url, then the config's listen
// address, then the default.
func apiURL(global *GlobalFlags) string {
	if global.APIUrl != "" {
		return global.APIUrl
	}
	if global.ConfigPath != "" {
		if cfg, err := comfyvisor.LoadConfig(global.ConfigPath); err == nil {
			return urlFromListen(cfg.Server.Listen, cfg.Server.BasePath, cfg.Server.TLS.Enabled)
		}
	}
	return defaultAPIUrl
}

func urlFromListen(listen, basePath string, https bool) string {
	host := listen
	if strings.HasPrefix(host, ":") || strings.HasPrefix(host, "0.0.0.0:") {
		host = "localhost:" + host[strings.LastIndexByte(host, ':')+1:]
	}
	bp := strings.TrimRight(basePath, "/")
	if bp != "" && !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	scheme := "http://"
	if https {
		scheme = "https://"
	}
	return scheme + host + bp
}

func newClient(global *GlobalFlags) *client.Client {
	user, pass, _ := strings.Cut(global.User, ":")
	return client.New(client.Config{
		BaseURL:  apiURL(global),
		Timeout:  global.APITimeout,
		Insecure: global.Insecure,
		Token:    global.Token,
		Username: user,
		Password: pass,
	})
}
