package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// newKeygenCommand emits an account key file suitable for --key-file. Each
// named key is a random 256-bit secret encoded base64.
func newKeygenCommand() *cobra.Command {
	var names []string
	var out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an account key file for signed access tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(names) == 0 {
				names = []string{"primary"}
			}
			keys := make(map[string]string, len(names))
			for _, name := range names {
				if name == "" {
					return fmt.Errorf("key name must not be empty")
				}
				secret := make([]byte, 32)
				if _, err := rand.Read(secret); err != nil {
					return fmt.Errorf("generate key %q: %w", name, err)
				}
				keys[name] = base64.StdEncoding.EncodeToString(secret)
			}
			doc, err := yaml.Marshal(map[string]map[string]string{"keys": keys})
			if err != nil {
				return fmt.Errorf("marshal key file: %w", err)
			}
			if out == "" || out == "-" {
				_, err := cmd.OutOrStdout().Write(doc)
				return err
			}
			// 0600: the file holds signing secrets.
			if err := os.WriteFile(out, doc, 0o600); err != nil {
				return fmt.Errorf("write key file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d key(s) to %s\n", len(keys), out)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&names, "name", nil, "key name(s) to generate (default: primary)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output path (default: stdout)")
	return cmd
}
