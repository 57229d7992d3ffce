// Writes the cloud credential file the gateway reads bearer tokens from.
// Intended for provisioning and integration runs; production deployments
// normally install the file through their secret management.
//
// Usage: go run ./cmd/token-bootstrap --file /etc/shadowgate/cloud-token.json
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/tonimelisma/shadowgate/internal/tokenfile"
)

func main() {
	file := flag.String("file", "", "credential file path to write")
	token := flag.String("token", "", "bearer token (read from stdin when empty)")
	flag.Parse()

	if *file == "" {
		fmt.Fprintln(os.Stderr, "missing required --file")
		os.Exit(2)
	}

	value := *token
	if value == "" {
		fmt.Fprint(os.Stderr, "Token: ")

		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			fmt.Fprintf(os.Stderr, "reading token: %v\n", err)
			os.Exit(1)
		}

		value = strings.TrimSpace(line)
	}

	if value == "" {
		fmt.Fprintln(os.Stderr, "empty token")
		os.Exit(1)
	}

	if err := tokenfile.Save(*file, &tokenfile.File{Token: value}); err != nil {
		fmt.Fprintf(os.Stderr, "writing credential file: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Wrote %s\n", *file)
}
