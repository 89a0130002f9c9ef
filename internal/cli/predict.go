package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"breedscope.app/internal/client"
	"breedscope.app/internal/client/jobstate"
	"breedscope.app/internal/client/presenter"
	"breedscope.app/internal/client/progress"
	"breedscope.app/internal/client/upload"
)

// ErrExplanationFailed is returned when an explanation job ends in failure.
var ErrExplanationFailed = errors.New("explanation did not complete")

func PredictCmd(app *App) *cobra.Command {
	var explain bool
	cmd := &cobra.Command{
		Use:   "predict <image>",
		Short: "Classify the breed of a dog photo",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := app.session()
			if err != nil {
				return err
			}
			art, err := readArtifact(args[0])
			if err != nil {
				return err
			}

			pred, err := app.api.Predict(cmd.Context(), sess, art)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), presenter.Prediction(pred))

			if !explain {
				return nil
			}
			return app.explain(cmd.Context(), cmd.OutOrStdout(), art)
		},
	}
	cmd.Flags().BoolVarP(&explain, "explain", "e", false, "also run an explanation and follow its progress")
	return cmd
}

func ExplainCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "explain <image>",
		Short: "Explain which regions of a photo drive the prediction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			art, err := readArtifact(args[0])
			if err != nil {
				return err
			}
			return app.explain(cmd.Context(), cmd.OutOrStdout(), art)
		},
	}
}

// explain submits art and renders every state change until the job ends.
func (a *App) explain(ctx context.Context, w io.Writer, art client.Artifact) error {
	dialer, err := progress.NewDialer(a.v.GetString(keyTransport), a.api.BaseURL(), a.idleTimeout())
	if err != nil {
		return err
	}

	machine := jobstate.New()
	renderer := presenter.NewRenderer(w, a.api.ResolveArtifact)
	unsubscribe := machine.Subscribe(renderer.Observe)
	defer unsubscribe()

	sess := upload.NewSession(machine, a.api, dialer)
	defer sess.Close()

	if err := sess.SelectArtifact(art); err != nil {
		return err
	}
	handle, err := sess.Submit(ctx, art)
	if err != nil {
		return err
	}

	snap, err := sess.Wait(ctx, handle.Gen)
	if err != nil {
		return err
	}
	if snap.Phase == jobstate.Failed {
		return fmt.Errorf("%w: %w", ErrExplanationFailed, snap.Err)
	}
	return nil
}
