// Command keygate is an API-key gateway: it issues keys, enforces per-key
// quotas on every gated request and records usage.
//
// Usage:
//
//	# Start the gateway
//	keygate serve --config config.yaml
//
//	# Issue, list and revoke keys against the configured store
//	keygate keys issue --tier pro --limit 1000 --duration 24h --owner acme
//	keygate keys list --owner acme
//	keygate keys revoke <id>
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
