// Package main prints the bcrypt digest of an API key secret. The registry
// stores only digests, so this is used when seeding api_keys rows by hand.
//
//	hash gp_live_...          # secret as argument
//	echo gp_live_... | hash   # secret on stdin
//	hash -generate            # new secret with digest, display prefix and SQL
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/goldenpath/registry/internal/auth"
)

func main() {
	cost := flag.Int("cost", auth.BcryptCost, "bcrypt cost factor")
	generate := flag.Bool("generate", false, "generate a new secret instead of reading one")
	prefix := flag.String("prefix", "gp_live", "secret prefix used with -generate")
	flag.Parse()

	hasher := auth.NewBcryptHasher(*cost)

	if *generate {
		if err := generateKey(hasher, *prefix); err != nil {
			fmt.Fprintf(os.Stderr, "hash: %v\n", err)
			os.Exit(1)
		}
		return
	}

	secret := flag.Arg(0)
	if secret == "" {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			fmt.Fprintln(os.Stderr, "usage: hash [-cost N] <secret> | hash -generate [-prefix P]")
			os.Exit(2)
		}
		secret = strings.TrimSpace(line)
	}

	digest, err := hasher.Hash(secret)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hash: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(digest)
}

// generateKey prints a fresh secret and an INSERT for a local database.
// The secret is shown once; keep it out of shell history in shared setups.
func generateKey(hasher auth.Hasher, prefix string) error {
	secret, err := auth.GenerateSecret(prefix)
	if err != nil {
		return err
	}
	keyID, err := auth.GenerateKeyID()
	if err != nil {
		return err
	}
	digest, err := hasher.Hash(secret)
	if err != nil {
		return err
	}
	display := auth.DisplayPrefix(secret)

	fmt.Printf("API key:        %s\n", secret)
	fmt.Printf("Digest:         %s\n", digest)
	fmt.Printf("Display prefix: %s\n\n", display)
	fmt.Printf("INSERT INTO api_keys (key_id, account_id, display_name, secret_hash, display_prefix)\n"+
		"VALUES ('%s', '<account_id>', 'dev', '%s', '%s');\n",
		keyID, digest, display)
	return nil
}
