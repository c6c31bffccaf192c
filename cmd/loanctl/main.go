// Command loanctl evaluates loan applications offline with the same KYC,
// underwriting and pipeline code the server runs.
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
