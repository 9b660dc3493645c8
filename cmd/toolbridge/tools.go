package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/harunnryd/toolbridge/internal/bridge"
	"github.com/harunnryd/toolbridge/internal/config"
	tbErrors "github.com/harunnryd/toolbridge/internal/errors"
	"github.com/harunnryd/toolbridge/internal/formatter"
	"github.com/harunnryd/toolbridge/internal/session"

	"github.com/spf13/cobra"
)

var toolsCmd = &cobra.Command{
	Use:   "tools [name]",
	Short: "List the tools the tool host offers",
	Long:  `Connects to the tool host and prints its tool catalog, or the one tool named.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg == nil {
			return fmt.Errorf("config not loaded")
		}
		if strings.TrimSpace(cfg.ToolHost.ScriptPath) == "" {
			return fmt.Errorf("toolhost.script_path is required (or set %s)", config.LegacyScriptPathEnv)
		}

		formatFlag, _ := cmd.Flags().GetString("format")
		format, err := formatter.ParseOutputFormat(formatFlag)
		if err != nil {
			return err
		}
		f, err := formatter.New(format)
		if err != nil {
			return err
		}

		sig := NewSignalHandler(context.Background())
		sig.Start()
		defer sig.Stop()

		tools, err := bridge.Inspect(sig.Context(), *cfg, bridge.Options{ClientVersion: version, Logger: slog.Default()})
		if err != nil {
			return err
		}

		rendered, err := renderTools(f, tools, args)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), rendered)
		return nil
	},
}

// renderTools formats the whole catalog, or only the tool named in args.
func renderTools(f formatter.ToolFormatter, tools []session.ToolDescriptor, args []string) (string, error) {
	if len(args) == 0 {
		out, err := f.FormatTools(tools)
		if err != nil {
			return "", fmt.Errorf("format tools: %w", err)
		}
		return out, nil
	}

	for i := range tools {
		if tools[i].Name == args[0] {
			out, err := f.FormatTool(&tools[i])
			if err != nil {
				return "", fmt.Errorf("format tool %s: %w", args[0], err)
			}
			return out, nil
		}
	}
	return "", tbErrors.UnknownTool(args[0])
}

func init() {
	rootCmd.AddCommand(toolsCmd)
	toolsCmd.Flags().StringP("format", "f", string(formatter.OutputFormatTable), "output format (table, json, yaml)")
}
