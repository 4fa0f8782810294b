package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/docvault/docvault/internal/config"
	"github.com/docvault/docvault/internal/logging"
	"github.com/docvault/docvault/internal/remote"
	"github.com/docvault/docvault/pkg/retry"
)

var (
	cfg *config.Config

	flagRoot     string
	flagLogLevel string
	flagAccount  string
)

var rootCmd = &cobra.Command{
	Use:   "docvault",
	Short: "Incremental backups of a cloud document hierarchy",
	Long: `docvault copies every project of a cloud document service account to a
local backup root. Each run lands in its own timestamped directory; files whose
identity, version, size and modification time are unchanged since the previous
run are copied locally instead of downloaded again.

Configuration is read from DOCVAULT_* environment variables; flags override them.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		cfg = config.Load()
		if flagRoot != "" {
			cfg.BackupRoot = flagRoot
		}
		if flagLogLevel != "" {
			cfg.LogLevel = flagLogLevel
		}
		if flagAccount != "" {
			cfg.AccountID = flagAccount
		}
		return logging.Init(logging.Config{
			Level:      cfg.LogLevel,
			Format:     cfg.LogFormat,
			OutputPath: cfg.LogFile,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagRoot, "root", "", "backup root directory (DOCVAULT_BACKUP_ROOT)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "debug, info, warn or error (LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVar(&flagAccount, "account", "", "account (hub) id (DOCVAULT_ACCOUNT_ID)")
}

// newClient builds the remote client from the loaded configuration,
// prompting for the client secret when it is not configured and stdin is a
// terminal.
func newClient(ctx context.Context) (*remote.Client, error) {
	if cfg.ClientSecret == "" && term.IsTerminal(int(os.Stdin.Fd())) {
		secret, err := promptSecret("Client secret: ")
		if err != nil {
			return nil, err
		}
		cfg.ClientSecret = secret
	}
	if err := cfg.ValidateRemote(); err != nil {
		return nil, err
	}

	tokenURL := cfg.ResolvedTokenURL()
	if tokenURL == "" {
		discovered, err := remote.DiscoverTokenURL(ctx, cfg.OIDCIssuerURL, nil)
		if err != nil {
			return nil, err
		}
		logging.Debug("discovered token endpoint", logging.String("url", discovered))
		tokenURL = discovered
	}

	rc := retry.DefaultConfig()
	rc.MaxRetries = cfg.MaxRetries
	rc.InitialDelay = cfg.InitialDelay
	rc.MaxDelay = cfg.MaxDelay

	return remote.New(remote.Config{
		BaseURL:   cfg.APIBaseURL,
		AccountID: cfg.AccountID,
		Auth: remote.AuthConfig{
			TokenURL:     tokenURL,
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       cfg.Scopes,
		},
		Timeout:           cfg.HTTPTimeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
		RetryConfig:       &rc,
	})
}

func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	secret, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return strings.TrimSpace(string(secret)), nil
}

// confirm asks a yes/no question on the terminal. Without a terminal the
// answer is no.
func confirm(question string) bool {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false
	}
	fmt.Fprintf(os.Stderr, "%s [y/N]: ", question)
	answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

func requireRoot() error {
	if cfg.BackupRoot == "" {
		return fmt.Errorf("%w: DOCVAULT_BACKUP_ROOT or --root", config.ErrMissing)
	}
	return nil
}
