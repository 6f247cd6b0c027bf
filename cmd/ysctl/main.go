package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"yieldsource/cmd/internal/passphrase"
	"yieldsource/crypto"
)

const (
	keygenCommand = "keygen"
	addrCommand   = "addr"
	tokenCommand  = "token"

	defaultPassEnv   = "YS_KEYSTORE_PASS"
	defaultSecretEnv = "YS_AUTH_SECRET"
	defaultKeystore  = "./account.keystore"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case keygenCommand:
		runKeygen(os.Args[2:])
	case addrCommand:
		runAddr(os.Args[2:])
	case tokenCommand:
		runToken(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: ysctl <command> [flags]")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  keygen  Generate a new account keystore")
	fmt.Fprintln(os.Stderr, "  addr    Print the address of a keystore")
	fmt.Fprintln(os.Stderr, "  token   Mint a bearer token for the HTTP API")
}

func runKeygen(args []string) {
	fs := flag.NewFlagSet(keygenCommand, flag.ExitOnError)
	keystorePath := fs.String("keystore", defaultKeystore, "Output path for the keystore file")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	force := fs.Bool("force", false, "Overwrite an existing keystore file")
	fs.Parse(args)

	if err := keygen(*keystorePath, *passEnv, *force); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func keygen(keystorePath, passEnv string, force bool) error {
	if !force {
		if _, err := os.Stat(keystorePath); err == nil {
			return fmt.Errorf("keystore %s already exists; pass -force to overwrite", keystorePath)
		}
	}
	pass, err := passphrase.NewSource(passEnv).Get()
	if err != nil {
		return err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	if err := crypto.SaveToKeystore(keystorePath, key, pass); err != nil {
		return fmt.Errorf("write keystore: %w", err)
	}
	fmt.Printf("Wrote %s\nAddress: %s\n", keystorePath, key.PubKey().Address())
	return nil
}

func runAddr(args []string) {
	fs := flag.NewFlagSet(addrCommand, flag.ExitOnError)
	keystorePath := fs.String("keystore", defaultKeystore, "Path to the keystore file")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	fs.Parse(args)

	pass, err := passphrase.NewSource(*passEnv).Get()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	key, err := crypto.LoadFromKeystore(*keystorePath, pass)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(key.PubKey().Address())
}

func runToken(args []string) {
	fs := flag.NewFlagSet(tokenCommand, flag.ExitOnError)
	subject := fs.String("subject", "", "Caller address the token acts as")
	secretEnv := fs.String("secret-env", defaultSecretEnv, "Environment variable containing the HMAC secret")
	issuer := fs.String("issuer", "", "Optional iss claim")
	audience := fs.String("audience", "", "Optional aud claim")
	ttl := fs.Duration("ttl", time.Hour, "Token lifetime")
	fs.Parse(args)

	signed, err := mintToken(*subject, *secretEnv, *issuer, *audience, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(signed)
}

func mintToken(subject, secretEnv, issuer, audience string, ttl time.Duration) (string, error) {
	if _, err := crypto.DecodeAddress(strings.TrimSpace(subject)); err != nil {
		return "", fmt.Errorf("subject: %w", err)
	}
	secret := strings.TrimSpace(os.Getenv(secretEnv))
	if secret == "" {
		return "", fmt.Errorf("environment variable %s is empty", secretEnv)
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": strings.TrimSpace(subject),
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if issuer != "" {
		claims["iss"] = issuer
	}
	if audience != "" {
		claims["aud"] = audience
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
