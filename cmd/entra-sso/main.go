// Command entra-sso runs the Entra ID token exchange service and offers
// offline checks against the configured tenant.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
