// Package main generates an Ed25519 attestation signing key.
//
// The seed goes into SIGNING_KEY. When rotating, move the old public key
// into PREVIOUS_VERIFICATION_KEYS so tokens signed before the rotation keep
// verifying until they expire.
package main

import (
	"encoding/base64"
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"github.com/onnwee/clickguard/internal/cryptoutil"
)

func main() {
	format := flag.String("format", "base64", "seed encoding: base64 or hex")
	flag.Parse()

	encode, ok := map[string]func([]byte) string{
		"base64": base64.StdEncoding.EncodeToString,
		"hex":    hex.EncodeToString,
	}[*format]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown format %q\n", *format)
		os.Exit(2)
	}

	public, private, err := cryptoutil.GenerateEd25519()
	if err != nil {
		fmt.Fprintln(os.Stderr, "generate key:", err)
		os.Exit(1)
	}

	fmt.Printf("SIGNING_KEY=%s\n", encode(private.Seed()))
	fmt.Printf("PUBLIC_KEY=%s\n", encode(public))
	fmt.Printf("KEY_ID=%s\n", cryptoutil.KeyID(public))
}
