package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/spf13/cobra"
)

// newKeygenCmd returns the "keygen" subcommand that bootstraps a new
// hub identity: a fresh PGP keypair written as public.asc/private.asc
// under --key-dir, matching what keystore.Load expects to find.
func newKeygenCmd(keyDir *string) *cobra.Command {
	var (
		name       string
		email      string
		passphrase string
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "generate a new hub identity keypair",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeygen(*keyDir, name, email, passphrase)
		},
	}

	cmd.Flags().StringVar(&name, "name", "overlay hub", "identity name embedded in the PGP user id")
	cmd.Flags().StringVar(&email, "email", "hub@invalid", "identity email embedded in the PGP user id")
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "passphrase used to encrypt the generated private key")

	return cmd
}

func runKeygen(keyDir, name, email, passphrase string) error {
	if err := os.MkdirAll(keyDir, 0o755); err != nil {
		return fmt.Errorf("keygen: create key dir: %w", err)
	}

	entity, err := openpgp.NewEntity(name, "overlay hub identity", email, &packet.Config{})
	if err != nil {
		return fmt.Errorf("keygen: generate entity: %w", err)
	}

	if passphrase != "" {
		if err := entity.PrivateKey.Encrypt([]byte(passphrase)); err != nil {
			return fmt.Errorf("keygen: encrypt primary key: %w", err)
		}
		for _, sub := range entity.Subkeys {
			if sub.PrivateKey != nil {
				if err := sub.PrivateKey.Encrypt([]byte(passphrase)); err != nil {
					return fmt.Errorf("keygen: encrypt subkey: %w", err)
				}
			}
		}
	}

	publicPath := filepath.Join(keyDir, "public.asc")
	publicArmor, err := armorBlock("PGP PUBLIC KEY BLOCK", func(w io.Writer) error {
		return entity.Serialize(w)
	})
	if err != nil {
		return fmt.Errorf("keygen: serialize public key: %w", err)
	}
	if err := os.WriteFile(publicPath, publicArmor, 0o600); err != nil {
		return fmt.Errorf("keygen: write %s: %w", publicPath, err)
	}

	privatePath := filepath.Join(keyDir, "private.asc")
	privateArmor, err := armorBlock("PGP PRIVATE KEY BLOCK", func(w io.Writer) error {
		return entity.SerializePrivate(w, nil)
	})
	if err != nil {
		return fmt.Errorf("keygen: serialize private key: %w", err)
	}
	if err := os.WriteFile(privatePath, privateArmor, 0o600); err != nil {
		return fmt.Errorf("keygen: write %s: %w", privatePath, err)
	}

	fmt.Printf("wrote %s and %s\n", publicPath, privatePath)
	return nil
}

// armorBlock runs serialize against a freshly-opened ASCII-armor
// writer of the given block type and returns the complete armored
// bytes.
func armorBlock(blockType string, serialize func(w io.Writer) error) ([]byte, error) {
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, blockType, nil)
	if err != nil {
		return nil, fmt.Errorf("open armor writer: %w", err)
	}
	if err := serialize(w); err != nil {
		return nil, fmt.Errorf("serialize: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close armor writer: %w", err)
	}
	return buf.Bytes(), nil
}
