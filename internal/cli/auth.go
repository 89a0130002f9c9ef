package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func SignupCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "signup <username>",
		Short: "Register a new account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := app.password(cmd)
			if err != nil {
				return err
			}
			msg, err := app.api.Signup(cmd.Context(), args[0], password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}
	cmd.Flags().StringP("password", "p", "", "account password (read from stdin when omitted)")
	return cmd
}

func LoginCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login <username>",
		Short: "Log in and remember the username for later commands",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := app.password(cmd)
			if err != nil {
				return err
			}
			if err := app.api.Login(cmd.Context(), args[0], password); err != nil {
				return err
			}
			if err := app.ids.Save(args[0]); err != nil {
				return fmt.Errorf("save session: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringP("password", "p", "", "account password (read from stdin when omitted)")
	return cmd
}

func LogoutCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the logged-in username",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.ids.Clear(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return nil
		},
	}
}

func WhoamiCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Print the logged-in username",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := app.session()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sess.Username)
			return nil
		},
	}
}
