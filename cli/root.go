// Package cli provides the certchain CLI commands.
package cli

import (
	"bufio"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/georgepadayatti/certchain/agent"
	"github.com/georgepadayatti/certchain/chainval"
	"github.com/georgepadayatti/certchain/config"
	"github.com/georgepadayatti/certchain/dirmngr"
	"github.com/georgepadayatti/certchain/keydb"
)

// Version information
var (
	Version   = "dev"
	BuildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "certchain",
	Short: "X.509 certificate chain validation",
	Long: `certchain validates X.509 certificate chains against a local
certificate database, a trust anchor list, an administrator policy file
and CRL or OCSP revocation status.`,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return setupLogging(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to config file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
}

func setupLogging(cmd *cobra.Command) error {
	levelStr, _ := cmd.Flags().GetString("log-level") //nolint:errcheck // flag registered above

	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
	return nil
}

// loadConfig reads the config file named by the --config flag, falling
// back to defaults when none is given.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config") //nolint:errcheck // flag registered above
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// buildValidator wires the database, directory client and trust agent
// into a validator.
func buildValidator(cfg *config.Config) (*chainval.Validator, *keydb.DB, error) {
	db, err := keydb.Open(cfg.KeyDB)
	if err != nil {
		return nil, nil, err
	}
	trustAgent, err := agent.New(cfg.TrustList, cfg.QualifiedList)
	if err != nil {
		db.Close() //nolint:errcheck // best-effort cleanup
		return nil, nil, err
	}
	trustAgent.SetPrompt(terminalPrompt)

	dir := dirmngr.New(cfg.DirmngrConfig())
	v := chainval.NewValidator(db, dir, trustAgent, cfg.ValidatorOptions())
	return v, db, nil
}

// terminalPrompt asks on the terminal whether a root shall be trusted.
func terminalPrompt(fingerprint string, cert *x509.Certificate) (bool, error) {
	fmt.Fprintf(os.Stderr, "Mark root certificate %s (%s) as trusted? [y/N] ",
		fingerprint, cert.Subject.String())
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false, err
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes", nil
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
