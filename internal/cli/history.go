package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"breedscope.app/internal/client/presenter"
)

func HistoryCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "List past predictions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := app.session()
			if err != nil {
				return err
			}
			entries, err := app.api.History(cmd.Context(), sess)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), presenter.History(entries))
			return nil
		},
	}
}

func ClearCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <filename>",
		Short: "Remove one history entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := app.session()
			if err != nil {
				return err
			}
			if err := app.api.Clear(cmd.Context(), sess, args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Entry cleared")
			return nil
		},
	}
}

func ClearAllCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-all",
		Short: "Remove every history entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := app.session()
			if err != nil {
				return err
			}
			if err := app.api.ClearAll(cmd.Context(), sess); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "All history cleared")
			return nil
		},
	}
}
