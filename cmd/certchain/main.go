// Command certchain validates X.509 certificate chains against a local
// certificate database, a trust anchor list, an administrator policy file
// and CRL or OCSP revocation status.
//
// Usage:
//
//	certchain <command> [options] <args>
//
// Commands:
//
//	validate  Validate a certificate chain
//	import    Import certificates into the database
//	list      List the certificates in the database
//	version   Show version information
package main

import (
	"os"

	"github.com/georgepadayatti/certchain/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
