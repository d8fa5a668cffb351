package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"marginloan/cmd/internal/passphrase"
	"marginloan/crypto"
	"marginloan/native/margin"
	"marginloan/services/marginloand/middleware"
)

const (
	keygenCommand  = "keygen"
	addressCommand = "address"
	tokenCommand   = "token"
	termsCommand   = "terms"

	defaultPassEnv   = "MARGINCTL_KEYSTORE_PASS"
	defaultSecretEnv = "MARGINLOAND_JWT_SECRET"
	defaultKeystore  = "participant.keystore"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		usage(stderr)
		return 1
	}
	var err error
	switch args[0] {
	case keygenCommand:
		err = runKeygen(args[1:], stdout)
	case addressCommand:
		err = runAddress(args[1:], stdout)
	case tokenCommand:
		err = runToken(args[1:], stdout)
	case termsCommand:
		err = runTerms(args[1:], stdout)
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		usage(stderr)
		return 1
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func runKeygen(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet(keygenCommand, flag.ContinueOnError)
	keystorePath := fs.String("keystore", defaultKeystore, "Output path for the encrypted keystore")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	light := fs.Bool("light", false, "Use light scrypt parameters (testing only)")
	force := fs.Bool("force", false, "Overwrite an existing keystore file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !*force {
		if _, err := os.Stat(*keystorePath); err == nil {
			return fmt.Errorf("keystore file %s already exists (use --force to overwrite)", *keystorePath)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	pass, err := passphrase.NewSource(*passEnv, "keystore passphrase", passphrase.WithConfirmation()).Get()
	if err != nil {
		return err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	strength := crypto.KeystoreStandard
	if *light {
		strength = crypto.KeystoreLight
	}
	if err := crypto.SaveToKeystore(*keystorePath, key, pass, strength); err != nil {
		return fmt.Errorf("write keystore: %w", err)
	}
	fmt.Fprintf(stdout, "%s\n", key.PubKey().Address().String())
	return nil
}

func runAddress(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet(addressCommand, flag.ContinueOnError)
	keystorePath := fs.String("keystore", defaultKeystore, "Path to the encrypted keystore")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	if err := fs.Parse(args); err != nil {
		return err
	}
	addr, err := keystoreAddress(*keystorePath, *passEnv)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s\n", addr.String())
	return nil
}

func runToken(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet(tokenCommand, flag.ContinueOnError)
	subject := fs.String("sub", "", "Participant address to embed as the token subject")
	keystorePath := fs.String("keystore", "", "Derive the subject from this keystore instead of --sub")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	secretEnv := fs.String("secret-env", defaultSecretEnv, "Environment variable containing the HMAC signing secret")
	issuer := fs.String("issuer", "marginloand", "Token issuer")
	audience := fs.String("audience", "", "Token audience")
	scopes := fs.String("scope", "", "Comma separated scopes to grant")
	ttl := fs.Duration("ttl", time.Hour, "Token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	secret, ok := os.LookupEnv(*secretEnv)
	if !ok || strings.TrimSpace(secret) == "" {
		return fmt.Errorf("environment variable %s is not set", *secretEnv)
	}

	var caller crypto.Address
	switch {
	case *keystorePath != "" && *subject != "":
		return errors.New("--sub and --keystore are mutually exclusive")
	case *keystorePath != "":
		addr, err := keystoreAddress(*keystorePath, *passEnv)
		if err != nil {
			return err
		}
		caller = addr
	case *subject != "":
		addr, err := crypto.DecodeAddress(strings.TrimSpace(*subject))
		if err != nil {
			return fmt.Errorf("invalid subject: %w", err)
		}
		caller = addr
	default:
		return errors.New("one of --sub or --keystore is required")
	}

	token, err := middleware.MintToken(middleware.TokenRequest{
		Secret:   secret,
		Issuer:   *issuer,
		Audience: *audience,
		Caller:   caller,
		Scopes:   splitScopes(*scopes),
		TTL:      *ttl,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, token)
	return nil
}

// runTerms validates one or more loan terms files and prints a summary line
// per file.
func runTerms(args []string, stdout io.Writer) error {
	if len(args) < 2 || args[0] != "validate" {
		return errors.New("usage: marginctl terms validate <file.toml>...")
	}
	for _, path := range args[1:] {
		cfg, terms, err := margin.LoadTerms(path)
		if err != nil {
			return err
		}
		assets := make([]string, 0, len(terms.ApprovedAssets))
		for _, asset := range terms.ApprovedAssets {
			assets = append(assets, asset.String())
		}
		id := strings.TrimSpace(cfg.LoanID)
		if id == "" {
			id = "-"
		}
		fmt.Fprintf(stdout, "%s\tloan=%s trader=%s stable=%s assets=%s ok\n",
			path, id, terms.Trader.String(), terms.StableAsset.String(), strings.Join(assets, ","))
	}
	return nil
}

func keystoreAddress(path, passEnv string) (crypto.Address, error) {
	pass, err := passphrase.NewSource(passEnv, "keystore passphrase").Get()
	if err != nil {
		return crypto.Address{}, err
	}
	key, err := crypto.LoadFromKeystore(path, pass)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("open keystore: %w", err)
	}
	return key.PubKey().Address(), nil
}

func splitScopes(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "marginctl <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintf(w, "  %s     Generate a participant key and write an encrypted keystore\n", keygenCommand)
	fmt.Fprintf(w, "  %s    Print the participant address held in a keystore\n", addressCommand)
	fmt.Fprintf(w, "  %s      Mint a bearer token for marginloand\n", tokenCommand)
	fmt.Fprintf(w, "  %s      Validate loan terms files (terms validate <file>...)\n", termsCommand)
}
