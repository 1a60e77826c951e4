// Command gatewayctl is the admin CLI: issue/revoke admin tokens and
// provision/revoke API keys against the same store gatewayd serves from.
package main

import (
	"fmt"
	"os"

	"github.com/fitsync/gateway/cmd/gatewayctl/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "gatewayctl: %v\n", err)
		os.Exit(1)
	}
}
