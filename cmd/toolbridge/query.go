package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/harunnryd/toolbridge/internal/bridge"
	"github.com/harunnryd/toolbridge/internal/conversation"
	"github.com/harunnryd/toolbridge/internal/model"

	"github.com/natefinch/atomic"
	"github.com/spf13/cobra"
)

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Answer one query and exit",
	Long:  `Launches the tool host, runs the conversation loop for one query and prints the resulting conversation as JSON.`,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg == nil {
			return fmt.Errorf("config not loaded")
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		out, _ := cmd.Flags().GetString("out")

		router, err := model.NewRouter(cfg.Models)
		if err != nil {
			return fmt.Errorf("failed to configure models: %w", err)
		}

		sig := NewSignalHandler(context.Background())
		sig.Start()
		defer sig.Stop()

		query := strings.Join(args, " ")
		conv, runErr := bridge.Run(sig.Context(), *cfg, router, bridge.Options{
			ClientVersion: version,
			Logger:        slog.Default(),
		}, query)

		if conv != nil {
			if err := writeConversation(cmd.OutOrStdout(), out, conv); err != nil {
				return err
			}
		}
		if runErr != nil {
			return fmt.Errorf("query failed: %w", runErr)
		}
		return nil
	},
}

type queryOutput struct {
	Messages *conversation.Conversation `json:"messages"`
}

// writeConversation prints the conversation to w, or replaces the file at out
// and prints only the answer.
func writeConversation(w io.Writer, out string, conv *conversation.Conversation) error {
	data, err := json.MarshalIndent(queryOutput{Messages: conv}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}
	data = append(data, '\n')

	if out == "" {
		_, err := w.Write(data)
		return err
	}

	if err := atomic.WriteFile(out, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	if answer := conv.Answer(); answer != "" {
		fmt.Fprintln(w, answer)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(queryCmd)
	queryCmd.Flags().StringP("out", "o", "", "write the conversation JSON to this file instead of stdout")
}
