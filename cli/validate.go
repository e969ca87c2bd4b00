package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/georgepadayatti/certchain/chainval"
	"github.com/georgepadayatti/certchain/keys"
	"github.com/georgepadayatti/certchain/metrics"
)

var validateCmd = &cobra.Command{
	Use:   "validate <cert-file>",
	Short: "Validate a certificate chain",
	Long: `Validate the chain for the certificate in the given PEM or DER
file.  The exit code is 0 for a valid chain and 1 otherwise.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().Bool("skip-revocation", false, "Skip all revocation checks")
	validateCmd.Flags().Bool("list-mode", false, "Print diagnostics as bracketed list lines")
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	cert, err := keys.ReadTargetCert(args[0])
	if err != nil {
		return err
	}

	v, db, err := buildValidator(cfg)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck // process exits afterwards

	collector := metrics.NewCollector(prometheus.DefaultRegisterer)

	skipRevocation, _ := cmd.Flags().GetBool("skip-revocation") //nolint:errcheck // flag registered above
	listMode, _ := cmd.Flags().GetBool("list-mode")             //nolint:errcheck // flag registered above

	req := &chainval.Request{Cert: cert, ListMode: listMode, Sink: os.Stdout}
	if skipRevocation {
		req.Flags |= chainval.FlagSkipRevocation
	}

	start := time.Now()
	res, verr := v.Validate(cmd.Context(), req)
	collector.ObserveValidation(res.Kind.String(), time.Since(start))

	if res.NearestNotAfter != "" {
		fmt.Printf("nearest expiration: %s\n", res.NearestNotAfter)
	}
	if verr != nil {
		var valErr *chainval.ValidationError
		if errors.As(verr, &valErr) {
			fmt.Printf("chain is NOT valid: %s\n", valErr.Error())
			os.Exit(1)
		}
		return verr
	}
	fmt.Println("chain is valid")
	return nil
}
