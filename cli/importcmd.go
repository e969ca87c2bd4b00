package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/georgepadayatti/certchain/keydb"
	"github.com/georgepadayatti/certchain/keys"
)

var importCmd = &cobra.Command{
	Use:   "import <cert-file>...",
	Short: "Import certificates into the database",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)
	importCmd.Flags().Bool("ephemeral", false, "Store the certificates as ephemeral")
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	db, err := keydb.Open(cfg.KeyDB)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck // process exits afterwards

	ephemeral, _ := cmd.Flags().GetBool("ephemeral") //nolint:errcheck // flag registered above

	certs, err := keys.ReadBundles(args)
	if err != nil {
		return err
	}
	for _, cert := range certs {
		if err := db.StoreCert(cert, ephemeral); err != nil {
			return err
		}
	}
	fmt.Printf("imported %d certificate(s)\n", len(certs))
	return nil
}
