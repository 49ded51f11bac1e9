package main

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"qcrypt-service/internal/keysource"
)

// keysCmd は鍵配送サービスの鍵を直接操作するコマンド群。
func keysCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage keys held by the key manager",
	}
	cmd.AddCommand(keysGenerateCmd(a))
	cmd.AddCommand(keysGetCmd(a))
	cmd.AddCommand(keysCloseCmd(a))
	cmd.AddCommand(keysPurgeCmd(a))
	return cmd
}

type keyView struct {
	KeyID     string `json:"key_ID"`
	Key       string `json:"key"`
	BitLength int    `json:"bit_length"`
	IssuedAt  string `json:"issued_at"`
}

func keysGenerateCmd(a *app) *cobra.Command {
	var size, number int
	var showMaterial bool
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Request new keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := a.source.Generate(cmd.Context(), size, number)
			if err != nil {
				return err
			}

			views := make([]keyView, len(keys))
			for i, k := range keys {
				views[i] = keyView{KeyID: k.ID, BitLength: k.BitLength, IssuedAt: k.IssuedAt.Format(time.RFC3339)}
				if showMaterial {
					views[i].Key = base64.StdEncoding.EncodeToString(k.Material)
				}
			}
			if a.output == "json" {
				return a.printJSON(cmd.OutOrStdout(), map[string]any{"keys": views})
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KEY_ID\tBITS\tISSUED_AT")
			for _, v := range views {
				fmt.Fprintf(w, "%s\t%d\t%s\n", v.KeyID, v.BitLength, v.IssuedAt)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&size, "size", 256, "Key size in bits")
	cmd.Flags().IntVar(&number, "number", 1, "Number of keys")
	cmd.Flags().BoolVar(&showMaterial, "show-material", false, "Include base64 key material in JSON output")
	return cmd
}

func keysGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key-id>",
		Short: "Retrieve a key by ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := a.source.Retrieve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if a.output == "json" {
				return a.printJSON(out, keyView{
					KeyID:     k.ID,
					Key:       base64.StdEncoding.EncodeToString(k.Material),
					BitLength: k.BitLength,
					IssuedAt:  k.IssuedAt.Format(time.RFC3339),
				})
			}
			fmt.Fprintf(out, "Key ID:   %s\n", k.ID)
			fmt.Fprintf(out, "Bits:     %d\n", k.BitLength)
			fmt.Fprintf(out, "Material: %s\n", hex.EncodeToString(k.Material))
			return nil
		},
	}
}

func keysCloseCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "close <key-id>...",
		Short: "Close keys so they can no longer be retrieved",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			missing := 0
			for _, id := range args {
				closed, err := a.source.Close(cmd.Context(), id)
				if err != nil {
					return err
				}
				if closed {
					fmt.Fprintf(cmd.OutOrStdout(), "Closed %s\n", id)
				} else {
					missing++
					fmt.Fprintf(cmd.OutOrStdout(), "Not found %s\n", id)
				}
			}
			if missing > 0 {
				return fmt.Errorf("%d of %d keys were not found", missing, len(args))
			}
			return nil
		},
	}
}

func keysPurgeCmd(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Remove every key from the simulator key store",
		RunE: func(cmd *cobra.Command, args []string) error {
			sim, ok := a.source.(*keysource.Simulated)
			if !ok {
				return fmt.Errorf("purge is only supported by the simulator")
			}
			if !yes {
				return fmt.Errorf("purge deletes all keys and makes existing envelopes undecryptable; pass --yes to confirm")
			}
			n, err := sim.Clear(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Purged %d key(s)\n", n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm deletion of all keys")
	return cmd
}
