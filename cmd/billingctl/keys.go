package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ManuelReschke/BillFox/internal/pkg/billing"
	"github.com/ManuelReschke/BillFox/internal/pkg/security"
)

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the key sealing tenant processor credentials",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "generate",
		Short: "Print a new random BILLING_SECRET_KEY",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key := make([]byte, 32)
			if _, err := rand.Read(key); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(key))
			return nil
		},
	})

	seal := &cobra.Command{
		Use:   "seal [plaintext]",
		Short: "Seal a processor API key with BILLING_SECRET_KEY",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hexKey, _ := cmd.Flags().GetString("key")
			if hexKey == "" {
				hexKey = os.Getenv("BILLING_SECRET_KEY")
			}
			box, err := security.NewBoxFromHex(hexKey)
			if err != nil {
				return err
			}
			plaintext, err := argOrStdin(cmd, args)
			if err != nil {
				return err
			}
			sealed, err := box.Seal(plaintext)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sealed)
			return nil
		},
	}
	seal.Flags().String("key", "", "Hex sealing key (defaults to $BILLING_SECRET_KEY)")
	cmd.AddCommand(seal)
	return cmd
}

func signCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign [payload]",
		Short: "Print the " + billing.SignatureHeader + " value for a webhook payload",
		Long: `Signs a payload the way the processor signs webhook deliveries, for
replaying captured events against a local server with curl.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, _ := cmd.Flags().GetString("secret")
			if secret == "" {
				return errors.New("--secret is required")
			}
			payload, err := argOrStdin(cmd, args)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), billing.SignWebhookPayload([]byte(payload), secret))
			return nil
		},
	}
	cmd.Flags().String("secret", "", "Tenant webhook secret")
	return cmd
}

func argOrStdin(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	raw, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", err
	}
	value := strings.TrimRight(string(raw), "\r\n")
	if value == "" {
		return "", errors.New("no input given")
	}
	return value, nil
}
