package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

var loginCmd = &cobra.Command{
	Use:   "login [token]",
	Short: "Store the API token",
	Long: `Store the bearer token used for API calls in the token file.

Without an argument the token is read from stdin, so it stays out of
shell history:

  pbpaste | onboard login`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := getApp(cmd.Context())
		if err != nil {
			return err
		}
		return loginRun(a, argOr(args, ""), cmd.InOrStdin())
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored API token",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := getApp(cmd.Context())
		if err != nil {
			return err
		}
		return logoutRun(cmd.Context(), a)
	},
}

func init() {
	rootCmd.AddCommand(loginCmd, logoutCmd)
}

func loginRun(a *app, token string, in io.Reader) error {
	if a.tokens == nil {
		return fmt.Errorf("no token file configured (set api.token_file)")
	}
	if token == "" {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && err != io.EOF {
			return fmt.Errorf("read token: %w", err)
		}
		token = strings.TrimSpace(line)
	}
	if token == "" {
		return fmt.Errorf("token is empty")
	}
	if err := a.tokens.Save(token); err != nil {
		return err
	}
	ui.Success("Token saved to %s", a.tokens.Path)
	return nil
}

func logoutRun(ctx context.Context, a *app) error {
	if a.tokens == nil {
		return fmt.Errorf("no token file configured (set api.token_file)")
	}
	if err := a.tokens.SignOut(ctx); err != nil {
		return err
	}
	ui.Success("Signed out")
	return nil
}
