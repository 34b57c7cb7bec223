package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/comfyvisor/pkg/client"
)

func createStatusCommand(global *GlobalFlags) *cobra.Command {
	flags := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show backend state",
		Long: `Show the supervised backend's state, PID, restart count and port readiness.

Examples:
  comfyvisor status
  comfyvisor status --watch --interval=2s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(global)
			for {
				st, err := c.Status(cmd.Context())
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), st); err != nil {
					return err
				}
				if !flags.Watch {
					return nil
				}
				select {
				case <-cmd.Context().Done():
					return nil
				case <-time.After(flags.Interval):
				}
			}
		},
	}
	cmd.Flags().BoolVar(&flags.Watch, "watch", false, "poll status until interrupted")
	cmd.Flags().DurationVar(&flags.Interval, "interval", 5*time.Second, "poll interval for --watch")
	return cmd
}

func createStartCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := newClient(global).Start(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func createStopCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := newClient(global).Stop(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func createRestartCommand(global *GlobalFlags) *cobra.Command {
	flags := &RestartFlags{}
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the backend",
		Long: `Restart the backend. Without --wait the request returns as soon as the
restart is initiated; a restart already in progress is joined.

Examples:
  comfyvisor restart
  comfyvisor restart --wait --timeout=5m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := newClient(global).Restart(cmd.Context(), client.RestartRequest{
				Wait:    flags.Wait,
				Timeout: flags.Timeout,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().BoolVar(&flags.Wait, "wait", false, "wait until the backend is running again")
	cmd.Flags().DurationVar(&flags.Timeout, "timeout", 0, "restart timeout (server default when zero)")
	return cmd
}

func createModelsCommand(global *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Manage model files",
	}
	cmd.AddCommand(
		createModelsListCommand(global),
		createModelsUploadCommand(global),
		createModelsDeleteCommand(global),
	)
	return cmd
}

func createModelsListCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored model files by type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			models, err := newClient(global).ListModels(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), models)
		},
	}
}

func createModelsUploadCommand(global *GlobalFlags) *cobra.Command {
	flags := &UploadFlags{}
	cmd := &cobra.Command{
		Use:   "upload <model_type> <file>",
		Short: "Upload a model file",
		Long: `Upload a local model file into the given model type directory. The backend
is restarted afterwards; --restart-mode=sync waits for it.

Model types: checkpoints, loras, controlnet, embeddings, vae
Extensions:  .safetensors .ckpt .pt .bin .sft

Examples:
  comfyvisor models upload checkpoints ./sdxl.safetensors
  comfyvisor models upload loras ./style.safetensors --name=style-v2.safetensors --restart-mode=sync`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch flags.RestartMode {
			case "", "async", "sync":
			default:
				return fmt.Errorf("invalid --restart-mode %q (want async or sync)", flags.RestartMode)
			}
			res, err := newClient(global).UploadModel(cmd.Context(), client.UploadRequest{
				ModelType:   args[0],
				Path:        args[1],
				Filename:    flags.Name,
				RestartMode: flags.RestartMode,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&flags.Name, "name", "", "stored file name (defaults to the local base name)")
	cmd.Flags().StringVar(&flags.RestartMode, "restart-mode", "", "async (default) or sync")
	return cmd
}

func createModelsDeleteCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <model_type> <filename>",
		Short: "Delete a stored model file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient(global).DeleteModel(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]string{"status": "deleted", "filename": args[1]})
		},
	}
}

func createHistoryCommand(global *GlobalFlags) *cobra.Command {
	flags := &HistoryFlags{}
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent backend lifecycle events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.Limit < 0 {
				return errors.New("--limit must not be negative")
			}
			events, err := newClient(global).History(cmd.Context(), flags.Limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), events)
		},
	}
	cmd.Flags().IntVar(&flags.Limit, "limit", 50, "maximum number of events")
	return cmd
}
