package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"qcrypt-service/internal/domain"
	"qcrypt-service/internal/usecase"
	"qcrypt-service/pkg/fileutil"
)

// attachCmd は添付ファイルの暗号化コマンド群。
func attachCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Encrypt and decrypt file attachments",
	}
	cmd.AddCommand(attachEncryptCmd(a))
	cmd.AddCommand(attachDecryptCmd(a))
	cmd.AddCommand(attachInfoCmd(a))
	return cmd
}

func attachEncryptCmd(a *app) *cobra.Command {
	var level, outFile string
	var anyExtension bool
	cmd := &cobra.Command{
		Use:   "encrypt <file>...",
		Short: "Encrypt files, each with its own key",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := a.resolveLevel(level)
			if err != nil {
				return err
			}
			if !anyExtension {
				for _, p := range args {
					if !fileutil.IsAllowedFile(p) {
						return fmt.Errorf("file type not allowed: %s (use --any-extension to override)", p)
					}
				}
			}

			encs, err := a.attachmentCipher().EncryptFiles(cmd.Context(), args, l)
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(encs, "", "  ")
			if err != nil {
				return fmt.Errorf("encoding attachments: %w", err)
			}
			return writeOutput(cmd, outFile, append(data, '\n'))
		},
	}
	cmd.Flags().StringVarP(&level, "level", "l", "", "Security level (see encrypt --help)")
	cmd.Flags().StringVarP(&outFile, "out", "o", "", "Write the encrypted attachments to this file")
	cmd.Flags().BoolVar(&anyExtension, "any-extension", false, "Skip the file extension allow list")
	return cmd
}

func attachDecryptCmd(a *app) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "decrypt [attachments.json|-]",
		Short: "Decrypt attachments and save them to a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readFileOrStdin(cmd, args)
			if err != nil {
				return err
			}
			var encs []*domain.EncryptedAttachment
			if err := json.Unmarshal(data, &encs); err != nil {
				// 単一の添付も受け付ける
				var single domain.EncryptedAttachment
				if err2 := json.Unmarshal(data, &single); err2 != nil {
					return fmt.Errorf("%w: %v", domain.ErrInvalidEnvelope, err)
				}
				encs = []*domain.EncryptedAttachment{&single}
			}

			ac := a.attachmentCipher()
			for _, enc := range encs {
				att, err := ac.DecryptBinary(cmd.Context(), enc)
				if err != nil {
					return err
				}
				path, err := usecase.SaveAttachment(att, dir)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", path, fileutil.FormatFileSize(att.Size))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "d", ".", "Directory to save decrypted files")
	return cmd
}

func attachInfoCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "info <file>...",
		Short: "Show whether files can be encrypted",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ac := a.attachmentCipher()
			infos := make([]*domain.FileInfo, 0, len(args))
			for _, p := range args {
				info, err := ac.FileInfo(p)
				if err != nil {
					return err
				}
				info.CanEncrypt = info.CanEncrypt && fileutil.IsAllowedFile(info.Filename)
				infos = append(infos, info)
			}
			if a.output == "json" {
				return a.printJSON(cmd.OutOrStdout(), infos)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "FILE\tSIZE\tTYPE\tIMAGE\tENCRYPTABLE")
			for _, info := range infos {
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%v\n",
					info.Filename, fileutil.FormatFileSize(info.Size), info.ContentType,
					fileutil.IsImage(info.Filename, info.ContentType), info.CanEncrypt)
			}
			return w.Flush()
		},
	}
}
