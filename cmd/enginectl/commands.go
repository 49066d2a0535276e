package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/enginectl"
	"github.com/loykin/enginectl/pkg/client"
)

// apiClient builds a control API client. The URL comes from --api-url, or
// from the [server] table of --config, or the built-in default.
func apiClient(flags *GlobalFlags) (*client.Client, error) {
	cfg := client.DefaultConfig()
	cfg.Timeout = flags.APITimeout
	switch {
	case flags.APIUrl != "":
		cfg.BaseURL = flags.APIUrl
	case flags.ConfigPath != "":
		c, err := enginectl.LoadConfig(flags.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
		cfg.BaseURL = "http://" + c.Server.Listen + c.Server.BasePath
	}
	return client.New(cfg), nil
}

func createStartCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the engine and wait until it is ready",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := apiClient(flags)
			if err != nil {
				return err
			}
			info, err := c.Start(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), info)
		},
	}
}

func createStopCommand(flags *GlobalFlags) *cobra.Command {
	var ignoreNotRunning bool
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Kill the engine",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := apiClient(flags)
			if err != nil {
				return err
			}
			err = c.Stop(cmd.Context())
			if err != nil && !(ignoreNotRunning && client.IsNotRunning(err)) {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "stopped")
			return nil
		},
	}
	cmd.Flags().BoolVar(&ignoreNotRunning, "ignore-not-running", false, "succeed when the engine is not running")
	return cmd
}

func createStatusCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show where the engine can be reached",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := apiClient(flags)
			if err != nil {
				return err
			}
			info, ok, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			if !ok {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "not started")
				return nil
			}
			return printJSON(cmd.OutOrStdout(), info)
		},
	}
}

func createAbortCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "abort",
		Short: "Cancel a start that is waiting for the engine",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := apiClient(flags)
			if err != nil {
				return err
			}
			aborted, err := c.Abort(cmd.Context())
			if err != nil {
				return err
			}
			if aborted {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "aborted")
			} else {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no start in progress")
			}
			return nil
		},
	}
}

func createEventsCommand(flags *GlobalFlags) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow engine progress, output and status events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := apiClient(flags)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return followEvents(ctx, c, cmd.OutOrStdout(), count)
		},
	}
	cmd.Flags().IntVar(&count, "count", 0, "exit after this many events (0 follows until interrupted)")
	return cmd
}

var errEnough = errors.New("enough events")

func followEvents(ctx context.Context, c *client.Client, w io.Writer, count int) error {
	seen := 0
	err := c.Events(ctx, func(ev client.Event) error {
		if err := printJSON(w, ev); err != nil {
			return err
		}
		seen++
		if count > 0 && seen >= count {
			return errEnough
		}
		return nil
	})
	if errors.Is(err, errEnough) {
		return nil
	}
	return err
}

func printJSON(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
