// commands.go contains the cobra command definitions and their handlers.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func buildChatCmd() *cobra.Command {
	var (
		configPath     string
		conversationID string
		debug          bool
	)

	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Chat with the configured workers",
		Long: `Run a conversation through the reasoning pipeline.

With a message argument, processes one turn and exits. Without arguments,
starts an interactive session; the conversation persists across turns so
clarification questions can be answered.`,
		Example: `  # One-shot question
  cascade chat "list the files in /tmp"

  # Interactive session
  cascade chat --config cascade.yaml

  # Continue an earlier conversation
  cascade chat --conversation 2f1c... "yes, the second one"`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), resolveConfigPath(configPath), debug)
			if err != nil {
				return err
			}
			defer rt.Close()
			rt.expireIdleConversations(cmd.Context())

			if len(args) == 1 {
				return runSingleTurn(cmd, rt, conversationID, args[0])
			}
			return runInteractive(cmd, rt, conversationID)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "Conversation id to continue")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runSingleTurn(cmd *cobra.Command, rt *runtime, conversationID, message string) error {
	resp, err := rt.orchestrator.ProcessTurn(cmd.Context(), conversationID, message)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
	if resp.RequiresInput {
		fmt.Fprintf(cmd.OutOrStdout(), "\n(answer with: cascade chat --conversation %s \"...\")\n", resp.ConversationID)
	}
	if !resp.Success {
		return fmt.Errorf("turn failed for conversation %s", resp.ConversationID)
	}
	return nil
}

func runInteractive(cmd *cobra.Command, rt *runtime, conversationID string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Cascade interactive chat. Ctrl-D or /quit to exit.")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			break
		}

		resp, err := rt.orchestrator.ProcessTurn(cmd.Context(), conversationID, line)
		if err != nil {
			if cmd.Context().Err() != nil {
				return nil
			}
			fmt.Fprintln(out, "error:", err)
			continue
		}
		conversationID = resp.ConversationID
		fmt.Fprintln(out, resp.Message)
	}
	return scanner.Err()
}

func buildToolsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List tools advertised by the configured workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), resolveConfigPath(configPath), false)
			if err != nil {
				return err
			}
			defer rt.Close()

			tools := rt.manager.ListAllTools()
			if len(tools) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No tools available. Are any workers configured?")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TOOL\tWORKER\tREQUIRED PARAMS\tDESCRIPTION")
			for _, tool := range tools {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					tool.Name, tool.Server,
					strings.Join(tool.RequiredParameters(), ","),
					firstLine(tool.Description))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func buildStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show worker connection status",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), resolveConfigPath(configPath), false)
			if err != nil {
				return err
			}
			defer rt.Close()

			statuses := rt.manager.Status()
			if len(statuses) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No workers configured.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "WORKER\tTRANSPORT\tHEALTHY\tTOOLS")
			for _, s := range statuses {
				fmt.Fprintf(w, "%s\t%s\t%t\t%d\n", s.Name, s.Transport, s.Healthy, s.Tools)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
