// Package cli implements the breedctl command line client.
package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"breedscope.app/internal/client"
	"breedscope.app/internal/client/progress"
	"breedscope.app/internal/core/logger"
)

// Config keys, also accepted as BREEDCTL_* environment variables.
const (
	keyServer      = "server"
	keyTransport   = "transport"
	keyIdleTimeout = "idle-timeout"
	keySessionFile = "session-file"
	keyVerbose     = "verbose"
)

// requestTimeout bounds plain API calls; progress channels use the idle timeout instead.
const requestTimeout = 2 * time.Minute

// App holds what every command needs, resolved once flags are parsed.
type App struct {
	v     *viper.Viper
	api   *client.API
	ids   *client.FileIdentity
	clock client.Clock
	in    io.Reader
}

// NewRootCmd builds the breedctl command tree.
func NewRootCmd() *cobra.Command {
	app := &App{v: viper.New(), clock: client.SystemClock{}}

	root := &cobra.Command{
		Use:           "breedctl",
		Short:         "Classify dog photos and explain the predictions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.setup(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.String(keyServer, "http://localhost:5000", "service base URL")
	flags.String(keyTransport, progress.TransportSSE, "progress transport: sse or ws")
	flags.Duration(keyIdleTimeout, progress.DefaultIdleTimeout, "give up on a silent progress channel after this long")
	flags.String(keySessionFile, "", "where the logged-in username is kept (default: user config dir)")
	flags.String("config", "", "config file (default: breedctl/config.yaml in the user config dir)")
	flags.BoolP(keyVerbose, "v", false, "log debug output to stderr")
	for _, key := range []string{keyServer, keyTransport, keyIdleTimeout, keySessionFile, keyVerbose} {
		app.v.BindPFlag(key, flags.Lookup(key))
	}
	app.v.SetEnvPrefix("BREEDCTL")
	app.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	app.v.AutomaticEnv()

	root.AddCommand(
		SignupCmd(app),
		LoginCmd(app),
		LogoutCmd(app),
		WhoamiCmd(app),
		PredictCmd(app),
		ExplainCmd(app),
		HistoryCmd(app),
		ClearCmd(app),
		ClearAllCmd(app),
	)
	return root
}

func (a *App) setup(cmd *cobra.Command) error {
	if err := a.readConfig(cmd); err != nil {
		return err
	}

	level := slog.LevelWarn
	if a.v.GetBool(keyVerbose) {
		level = slog.LevelDebug
	}
	logger.InitWriter(cmd.ErrOrStderr(), level, "text")

	api, err := client.NewAPI(a.v.GetString(keyServer), &http.Client{Timeout: requestTimeout})
	if err != nil {
		return err
	}
	a.api = api

	path := a.v.GetString(keySessionFile)
	if path == "" {
		if path, err = client.DefaultIdentityPath(); err != nil {
			return fmt.Errorf("locate session file: %w", err)
		}
	}
	a.ids = &client.FileIdentity{Path: path, Clock: a.clock}
	a.in = cmd.InOrStdin()
	return nil
}

func (a *App) readConfig(cmd *cobra.Command) error {
	if file, _ := cmd.Flags().GetString("config"); file != "" {
		a.v.SetConfigFile(file)
	} else {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil
		}
		a.v.SetConfigName("config")
		a.v.SetConfigType("yaml")
		a.v.AddConfigPath(filepath.Join(dir, "breedctl"))
	}

	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	logger.Debug("Loaded config file", "path", a.v.ConfigFileUsed())
	return nil
}

func (a *App) session() (client.Session, error) {
	sess, err := client.NewSession(a.ids, a.clock)
	if errors.Is(err, client.ErrNotLoggedIn) {
		return sess, errors.New("not logged in; run `breedctl login <username>` first")
	}
	return sess, err
}

func (a *App) idleTimeout() time.Duration {
	return a.v.GetDuration(keyIdleTimeout)
}

// password returns the --password flag or reads one line from stdin.
func (a *App) password(cmd *cobra.Command) (string, error) {
	if p, _ := cmd.Flags().GetString("password"); p != "" {
		return p, nil
	}
	fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
	line, err := bufio.NewReader(a.in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("password is required")
	}
	return line, nil
}

func readArtifact(path string) (client.Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return client.Artifact{}, err
	}
	if len(data) == 0 {
		return client.Artifact{}, fmt.Errorf("%s: %w", path, client.ErrEmptyArtifact)
	}
	return client.Artifact{Filename: filepath.Base(path), Data: data}, nil
}
