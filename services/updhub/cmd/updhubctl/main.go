package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"filippo.io/age"
	"github.com/spf13/cobra"

	"updatehub/pkg/db"
	"updatehub/services/archive"
	"updatehub/services/pipeline"
	"updatehub/services/signing"
	"updatehub/services/update"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "updhubctl",
		Short:         "Utility for operating the update hub",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newKeysCommand())
	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newBundlesCommand())
	cmd.AddCommand(newSubmitCommand())
	cmd.AddCommand(newVerifyCommand())
	return cmd
}

func newKeysCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Signing key operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "generate",
		Short: "Generate a signing key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, err := age.GenerateX25519Identity()
			if err != nil {
				return err
			}

			secret := identity.String()
			pub, err := derivePublicKey(secret)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "UPD_SIGNING_SECRET_KEY=%s\n", secret)
			fmt.Fprintf(cmd.OutOrStdout(), "UPD_SIGNING_PUBLIC_KEY=%s\n", pub)
			return nil
		},
	})
	return cmd
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn := strings.TrimSpace(os.Getenv("UPD_DATABASE_URL"))
			if dsn == "" {
				return fmt.Errorf("UPD_DATABASE_URL must be set")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			pool, err := db.Open(ctx, dsn)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer pool.Close()

			if err := db.Migrate(ctx, pool); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func newBundlesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundles",
		Short: "Archive bundle operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "verify <bundle>",
		Short: "Verify a bundle's signature and file digests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer file.Close()

			manifest, files, err := archive.Read(file)
			if err != nil {
				return fmt.Errorf("read bundle: %w", err)
			}
			if err := archive.Verify(manifest, files); err != nil {
				return fmt.Errorf("verify bundle: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "bundle ok: update %s (%s, checksum %s)\n",
				manifest.UpdateID, manifest.Kind, manifest.Checksum)
			return nil
		},
	})
	return cmd
}

func newSubmitCommand() *cobra.Command {
	var (
		apiBase string
		file    string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an update descriptor to the hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var descriptor map[string]any
			if err := json.Unmarshal(data, &descriptor); err != nil {
				return fmt.Errorf("parse descriptor: %w", err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			req, err := http.NewRequestWithContext(ctx, http.MethodPost,
				strings.TrimRight(apiBase, "/")+"/v1/updates", bytes.NewReader(data))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			if resp.StatusCode != http.StatusAccepted {
				return fmt.Errorf("submit failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
			}

			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(body)))
			return nil
		},
	}

	cmd.Flags().StringVar(&apiBase, "api", "http://localhost:8080", "Update hub API base URL")
	cmd.Flags().StringVar(&file, "file", "", "Path to the JSON update descriptor")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newVerifyCommand() *cobra.Command {
	var apiBase string

	cmd := &cobra.Command{
		Use:   "verify <update-id>",
		Short: "Re-derive an update's signed bytes and check its signature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			req, err := http.NewRequestWithContext(ctx, http.MethodGet,
				strings.TrimRight(apiBase, "/")+"/v1/updates/"+args[0], nil)
			if err != nil {
				return err
			}

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("fetch update (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
			}

			var rec update.Record
			if err := json.Unmarshal(body, &rec); err != nil {
				return fmt.Errorf("parse update record: %w", err)
			}
			if rec.Signature == nil || rec.Governance == nil {
				return fmt.Errorf("update %s has not been signed", rec.ID)
			}

			payload, err := pipeline.SigningBytes(rec.Descriptor, *rec.Governance)
			if err != nil {
				return err
			}
			if err := signing.Verify(payload, rec.Signature.Value, rec.Signature.Identity); err != nil {
				return fmt.Errorf("verify signature: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "signature ok: update %s signed by %s at %s\n",
				rec.ID, rec.Signature.Identity, rec.Signature.SignedAt.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&apiBase, "api", "http://localhost:8080", "Update hub API base URL")
	return cmd
}

// derivePublicKey returns the base64 Ed25519 public key the hub reports as
// signer identity for the given age secret key.
func derivePublicKey(secret string) (string, error) {
	signer, err := signing.NewSignerFromSecretKey(secret)
	if err != nil {
		return "", err
	}
	return signer.Identity(), nil
}
