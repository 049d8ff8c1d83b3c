package cmd

import (
	"github.com/spf13/cobra"

	"github.com/joescharf/onboard/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets an assistant drive onboarding natively: start research, poll
status, answer questions, run content generation, and chat about outputs.
Configure it in the client with:

  {
    "mcpServers": {
      "onboard": { "command": "onboard", "args": ["mcp"] }
    }
  }

Available tools: onboard_start, onboard_status, onboard_details,
onboard_submit_answers, onboard_history, onboard_health, onboard_run_start,
onboard_run_status, onboard_list_outputs, onboard_chat_send`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := getApp(cmd.Context())
		if err != nil {
			return err
		}
		srv := mcp.NewServer(a.sessions, a.runs, a.chat, buildVersion)
		return srv.ServeStdio(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
