package main

import (
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/seantiz/kiln/internal/config"
	"github.com/seantiz/kiln/internal/envelope"
)

const (
	envPrivateKey = "KILN_WORKER_PRIVATE_KEY_B64"
	envPublicKey  = "KILN_SERVER_PUBLIC_KEY_B64"
)

func newKeygenCmd(stdout io.Writer) *cobra.Command {
	var envFile string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a worker key pair",
		Long: `Generate a Curve25519 key pair for request envelopes.

The private key belongs in the worker's environment; the public key is handed
to clients. With --env-file the pair is written as a .env file instead of
printed.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			kp, err := envelope.GenerateKeyPair()
			if err != nil {
				return err
			}
			vars := map[string]string{
				envPrivateKey: kp.PrivateKeyB64(),
				envPublicKey:  kp.PublicKeyB64(),
			}
			if envFile != "" {
				if err := godotenv.Write(vars, envFile); err != nil {
					return fmt.Errorf("write %s: %w", envFile, err)
				}
				if err := os.Chmod(envFile, 0o600); err != nil {
					return fmt.Errorf("chmod %s: %w", envFile, err)
				}
				fmt.Fprintf(stdout, "wrote key pair to %s\n", envFile)
				return nil
			}
			fmt.Fprintf(stdout, "%s=%s\n", envPrivateKey, vars[envPrivateKey])
			fmt.Fprintf(stdout, "%s=%s\n", envPublicKey, vars[envPublicKey])
			return nil
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", "", "Write the key pair to this .env file")
	return cmd
}

func newPubkeyCmd(stdout io.Writer) *cobra.Command {
	var privateKey string
	cmd := &cobra.Command{
		Use:   "pubkey",
		Short: "Print the public key for the worker private key",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if privateKey == "" {
				if _, err := config.LoadDotenv(); err != nil {
					return err
				}
				privateKey = os.Getenv(envPrivateKey)
			}
			if privateKey == "" {
				return fmt.Errorf("no private key: pass --private-key or set %s", envPrivateKey)
			}
			k, err := envelope.ParsePrivateKey(privateKey)
			if err != nil {
				return fmt.Errorf("parse private key: %w", err)
			}
			pub, err := envelope.PublicKeyFor(k)
			if err != nil {
				return err
			}
			fmt.Fprintln(stdout, envelope.KeyPair{PublicKey: pub}.PublicKeyB64())
			return nil
		},
	}
	cmd.Flags().StringVar(&privateKey, "private-key", "", "Base64 private key (default $"+envPrivateKey+")")
	return cmd
}
