package main

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/PratikDhanave/kanariya/internal/digest"
	"github.com/PratikDhanave/kanariya/internal/signing"
)

// Version is reported by --version. Release builds set it with
// -ldflags "-X main.Version=v1.2.3".
var Version = "dev"

const minTokenBytes = 8

func main() {
	if err := newRootCmd(os.Stdout, time.Now).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer, now func() time.Time) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "kanariya",
		Short:         "Kanariya - canary token tooling",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(out)

	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(signURLCmd(now))

	return rootCmd
}

func tokenCmd() *cobra.Command {
	var n, count int
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Generate URL-safe random canary tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				count = 1
			}
			for i := 0; i < count; i++ {
				tok, err := digest.RandomToken(max(minTokenBytes, n))
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), tok)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&n, "bytes", 24, "Random bytes per token")
	cmd.Flags().IntVar(&count, "count", 1, "How many tokens to generate")

	return cmd
}

func signURLCmd(now func() time.Time) *cobra.Command {
	var (
		baseURL, token, src, master, legacy, nonce string
		n                                          int
	)
	cmd := &cobra.Command{
		Use:   "sign-url",
		Short: "Print a signed canary URL",
		Long: "Print a signed canary URL. The per-token key derived from the master secret\n" +
			"is used when available; otherwise the legacy signing secret signs directly.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if master == "" && legacy == "" {
				return errors.New("MASTER_SECRET is required (use --master-secret or env); " +
					"alternatively provide legacy SIGNING_SECRET via --secret")
			}

			base, err := url.Parse(baseURL)
			if err != nil {
				return fmt.Errorf("--base-url: %w", err)
			}

			if token == "" {
				if token, err = digest.RandomToken(max(minTokenBytes, n)); err != nil {
					return err
				}
			}
			if nonce == "" {
				if nonce, err = digest.RandomToken(8); err != nil {
					return err
				}
			}

			key := legacy
			if master != "" {
				key = signing.DeriveKey(master, token)
			}
			u, err := signing.SignURL(base, token, signing.Params{
				Timestamp: now().Unix(),
				Source:    src,
				Nonce:     nonce,
			}, key)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), u.String())
			return nil
		},
	}

	cmd.Flags().StringVar(&baseURL, "base-url", "http://localhost:8080/canary", "Canary endpoint base URL")
	cmd.Flags().StringVar(&token, "token", "", "Canary token (generated when empty)")
	cmd.Flags().StringVar(&src, "src", "", "Source tag recorded with each hit")
	cmd.Flags().StringVar(&master, "master-secret", os.Getenv("MASTER_SECRET"), "Master secret for per-token derived signing")
	cmd.Flags().StringVar(&legacy, "secret", os.Getenv("SIGNING_SECRET"), "Legacy signing secret, used when no master secret is set")
	cmd.Flags().StringVar(&nonce, "nonce", "", "Nonce (random when empty)")
	cmd.Flags().IntVar(&n, "bytes", 16, "Random bytes for a generated token")

	return cmd
}
