package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/seantiz/kiln/internal/config"
	"github.com/seantiz/kiln/internal/envelope"
	"github.com/seantiz/kiln/internal/worker"
)

func newEncryptCmd(stdout io.Writer) *cobra.Command {
	var (
		publicKey string
		clientID  string
		noHistory bool
		wrap      bool
	)
	cmd := &cobra.Command{
		Use:   "encrypt [workflow.json]",
		Short: "Seal a prompt mapping into a job request",
		Long: `Encrypt an API prompt mapping for the worker and print the request body.

The workflow is read from the named file, or from stdin when no file is given.
With --wrap the body is nested under "input" for serverless platforms.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if publicKey == "" {
				if _, err := config.LoadDotenv(); err != nil {
					return err
				}
				publicKey = os.Getenv(envPublicKey)
			}
			if publicKey == "" {
				return fmt.Errorf("no public key: pass --pubkey or set %s", envPublicKey)
			}

			plaintext, err := readWorkflow(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}

			env, err := envelope.EncryptB64(publicKey, plaintext)
			if err != nil {
				return fmt.Errorf("encrypt: %w", err)
			}
			in := worker.Input{
				Encrypted:  true,
				EPK:        env.EphemeralPublicKey,
				Nonce:      env.Nonce,
				Ciphertext: env.Ciphertext,
				ClientID:   clientID,
				NoHistory:  worker.Flag(noHistory),
			}

			var body any = in
			if wrap {
				body = map[string]any{"input": in}
			}
			enc := json.NewEncoder(stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(body)
		},
	}
	cmd.Flags().StringVar(&publicKey, "pubkey", "", "Worker public key, base64 (default $"+envPublicKey+")")
	cmd.Flags().StringVar(&clientID, "client-id", "", "Client id to run the job under")
	cmd.Flags().BoolVar(&noHistory, "no-history", false, "Ask the worker to omit the execution history")
	cmd.Flags().BoolVar(&wrap, "wrap", false, `Nest the request under "input"`)
	return cmd
}

func readWorkflow(stdin io.Reader, args []string) ([]byte, error) {
	var (
		raw []byte
		err error
	)
	if len(args) == 1 && args[0] != "-" {
		raw, err = os.ReadFile(args[0])
	} else {
		raw, err = io.ReadAll(stdin)
	}
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	if !json.Valid(raw) {
		return nil, errors.New("workflow is not valid JSON")
	}
	return raw, nil
}
