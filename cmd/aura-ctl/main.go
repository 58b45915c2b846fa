// Command aura-ctl is the operator-side companion to aura-server. It
// manages the encrypted provider-credential store the server loads at
// startup: secrets are entered through a masked terminal prompt, never
// argv or the environment, and land on disk secretbox-sealed under a
// passphrase-derived key.
package main

import (
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"golang.org/x/term"

	"aura/internal/auraconfig"
)

const saltSize = 16

func main() {
	secretsPath := flag.String("secrets", "./aura.secrets", "Path to the encrypted secrets file")
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}

	var err error
	switch args[0] {
	case "set":
		if len(args) != 2 {
			usage()
			os.Exit(2)
		}
		err = setSecret(*secretsPath, args[1])
	case "list":
		err = listSecrets(*secretsPath)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "aura-ctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage:
  aura-ctl [-secrets path] set <NAME>    store a secret (value and passphrase prompted)
  aura-ctl [-secrets path] list          list stored secret names`)
}

// promptMasked reads a line from the terminal with echo disabled.
func promptMasked(label string) (string, error) {
	fmt.Fprintf(os.Stderr, "%s: ", label)
	value, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", label, err)
	}
	return string(value), nil
}

// loadOrCreateSalt keeps a per-installation salt next to the secrets
// file so the same passphrase derives the same key across invocations.
func loadOrCreateSalt(secretsPath string) ([]byte, error) {
	saltPath := secretsPath + ".salt"
	salt, err := os.ReadFile(saltPath)
	if err == nil && len(salt) == saltSize {
		return salt, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read salt %s: %w", saltPath, err)
	}

	salt = make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(saltPath), 0o755); err != nil {
		return nil, fmt.Errorf("create secrets dir: %w", err)
	}
	if err := os.WriteFile(saltPath, salt, 0o600); err != nil {
		return nil, fmt.Errorf("write salt %s: %w", saltPath, err)
	}
	return salt, nil
}

func openStore(secretsPath string) (*auraconfig.SecretStore, [32]byte, error) {
	var key [32]byte

	salt, err := loadOrCreateSalt(secretsPath)
	if err != nil {
		return nil, key, err
	}

	passphrase, err := promptMasked("passphrase")
	if err != nil {
		return nil, key, err
	}

	key, err = auraconfig.DeriveKey(passphrase, salt)
	if err != nil {
		return nil, key, err
	}

	store := auraconfig.NewSecretStore()
	if err := store.Load(secretsPath, key); err != nil {
		return nil, key, err
	}
	return store, key, nil
}

func setSecret(secretsPath, name string) error {
	store, key, err := openStore(secretsPath)
	if err != nil {
		return err
	}

	value, err := promptMasked(name)
	if err != nil {
		return err
	}
	if value == "" {
		return fmt.Errorf("empty value for %s", name)
	}

	store.Set(name, value)
	if err := store.Save(secretsPath, key); err != nil {
		return err
	}
	fmt.Printf("stored %s in %s\n", name, secretsPath)
	return nil
}

func listSecrets(secretsPath string) error {
	store, _, err := openStore(secretsPath)
	if err != nil {
		return err
	}

	names := store.Names()
	sort.Strings(names)
	if len(names) == 0 {
		fmt.Println("no secrets stored")
		return nil
	}
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}
