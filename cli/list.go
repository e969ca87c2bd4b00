package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/georgepadayatti/certchain/keydb"
	"github.com/georgepadayatti/certchain/x509util"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the certificates in the database",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	db, err := keydb.Open(cfg.KeyDB)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck // process exits afterwards

	entries, err := db.All()
	if err != nil {
		return err
	}
	for _, e := range entries {
		marker := " "
		if e.Validity&keydb.ValidityRevoked != 0 {
			marker = "r"
		}
		if e.Ephemeral {
			marker += " (ephemeral)"
		}
		fmt.Printf("%s %s %s expires=%s\n",
			x509util.SHA1FingerprintHex(e.Cert),
			marker,
			x509util.SubjectDN(e.Cert),
			e.Cert.NotAfter.UTC().Format("2006-01-02"),
		)
	}
	return nil
}
