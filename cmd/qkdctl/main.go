// Package main はCLIツールのエントリポイント。
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"qcrypt-service/config"
	"qcrypt-service/internal/domain"
	"qcrypt-service/internal/infra"
	"qcrypt-service/internal/keysource"
	"qcrypt-service/internal/usecase"
)

const version = "1.0.0"

// app はコマンド間で共有する状態。PersistentPreRunE で初期化される。
type app struct {
	output  string
	envFile string
	verbose bool

	cfg        *config.Config
	source     keysource.Source
	closeStore func() error
}

func main() {
	if err := newRootCmd(&app{}).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "qkdctl",
		Short:         "Multi-level encryption CLI backed by a QKD key manager",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.setup(cmd.Context(), cmd.ErrOrStderr())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.closeStore == nil {
				return nil
			}
			return a.closeStore()
		},
	}

	// グローバルフラグ
	rootCmd.PersistentFlags().StringVar(&a.output, "output", "text", "Output format: text, json")
	rootCmd.PersistentFlags().StringVar(&a.envFile, "env-file", "", "Load environment from this file instead of .env")
	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Write info logs to stderr")

	// サブコマンド登録
	rootCmd.AddCommand(statusCmd(a))
	rootCmd.AddCommand(encryptCmd(a))
	rootCmd.AddCommand(decryptCmd(a))
	rootCmd.AddCommand(keysCmd(a))
	rootCmd.AddCommand(attachCmd(a))
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

// setup は設定を読み込み、鍵配送サービスに接続する。
func (a *app) setup(ctx context.Context, logOut io.Writer) error {
	if a.envFile != "" {
		if err := godotenv.Load(a.envFile); err != nil {
			return fmt.Errorf("loading %s: %w", a.envFile, err)
		}
	} else {
		// 既存の環境変数は上書きしない
		_ = godotenv.Load()
	}

	a.cfg = config.Load()
	if err := a.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level := infra.ParseLogLevel(a.cfg.LogLevel)
	if !a.verbose {
		level = max(level, slog.LevelWarn)
	}
	infra.SetupLogger(a.cfg, level, logOut)

	// リモートKMEの場合はストアを開かない
	var store keysource.Store
	a.closeStore = func() error { return nil }
	if a.cfg.QKD.UseSimulator {
		var err error
		store, a.closeStore, err = infra.OpenKeyStore(ctx, a.cfg)
		if err != nil {
			return err
		}
	}

	src, err := keysource.New(ctx, a.cfg.QKD, store)
	if err != nil {
		return fmt.Errorf("connecting to key manager: %w", err)
	}
	a.source = src
	return nil
}

func (a *app) messageCipher(closeOnDecrypt bool) *usecase.MessageCipher {
	var opts []usecase.MessageCipherOption
	if closeOnDecrypt {
		opts = append(opts, usecase.WithCloseOnDecrypt(domain.Levels()...))
	}
	return usecase.NewMessageCipher(a.source, opts...)
}

func (a *app) attachmentCipher() *usecase.AttachmentCipher {
	return usecase.NewAttachmentCipher(a.messageCipher(false), a.cfg.MaxAttachmentSize)
}

// resolveLevel はフラグの値を解釈する。空の場合は DEFAULT_SECURITY_LEVEL を使う。
func (a *app) resolveLevel(s string) (domain.SecurityLevel, error) {
	if s == "" {
		return domain.SecurityLevel(a.cfg.DefaultSecurityLevel), nil
	}
	return domain.ParseSecurityLevel(s)
}

func (a *app) printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// versionCmd はバージョン情報を表示する。
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "qkdctl version %s\n", version)
		},
	}
}

// statusCmd は鍵配送サービスの状態を表示する。
func statusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show key manager status",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.source.Status(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if a.output == "json" {
				return a.printJSON(out, st)
			}
			fmt.Fprintf(out, "State:        %s\n", st.State)
			fmt.Fprintf(out, "Mode:         %s\n", st.Mode)
			fmt.Fprintf(out, "Keys stored:  %d\n", st.KeysStored)
			fmt.Fprintf(out, "Keys issued:  %d\n", st.KeysIssued)
			fmt.Fprintf(out, "Timestamp:    %s\n", st.Timestamp.Format(time.RFC3339))
			return nil
		},
	}
}

// encryptCmd はメッセージを暗号化してエンベロープを出力する。
func encryptCmd(a *app) *cobra.Command {
	var level, recipient, outFile string
	cmd := &cobra.Command{
		Use:   "encrypt [message|-]",
		Short: "Encrypt a message and print the envelope as JSON",
		Long:  "Encrypt a message. Reads the message from stdin when it is omitted or '-'.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := a.resolveLevel(level)
			if err != nil {
				return err
			}
			message, err := readArgOrStdin(cmd, args)
			if err != nil {
				return err
			}

			env, err := a.messageCipher(false).EncryptMessage(cmd.Context(), message, l, recipient)
			if err != nil {
				return err
			}
			data, err := env.MarshalIndent()
			if err != nil {
				return fmt.Errorf("encoding envelope: %w", err)
			}
			return writeOutput(cmd, outFile, append(data, '\n'))
		},
	}
	cmd.Flags().StringVarP(&level, "level", "l", "", "Security level: 1-4, QUANTUM_OTP, QUANTUM_AES, POST_QUANTUM, CLASSICAL, otp, aes, pqc, classical")
	cmd.Flags().StringVar(&recipient, "recipient", "", "Recipient ID recorded in the envelope")
	cmd.Flags().StringVarP(&outFile, "out", "o", "", "Write the envelope to this file")
	return cmd
}

// decryptCmd はエンベロープを復号する。
func decryptCmd(a *app) *cobra.Command {
	var closeKey bool
	cmd := &cobra.Command{
		Use:   "decrypt [envelope.json|-]",
		Short: "Decrypt an envelope",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readFileOrStdin(cmd, args)
			if err != nil {
				return err
			}
			env, err := domain.ParseEnvelope(data)
			if err != nil {
				return err
			}

			message, err := a.messageCipher(closeKey).DecryptMessage(cmd.Context(), env)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if a.output == "json" {
				return a.printJSON(out, map[string]string{"key_id": env.KeyID, "message": message})
			}
			fmt.Fprintln(out, message)
			return nil
		},
	}
	cmd.Flags().BoolVar(&closeKey, "close-key", false, "Close the key after a successful decryption")
	return cmd
}

func readArgOrStdin(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return args[0], nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	return strings.TrimSuffix(string(data), "\n"), nil
}

func readFileOrStdin(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 1 && args[0] != "-" {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", args[0], err)
		}
		return data, nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return nil, fmt.Errorf("reading stdin: %w", err)
	}
	return data, nil
}

func writeOutput(cmd *cobra.Command, path string, data []byte) error {
	if path == "" {
		_, err := cmd.OutOrStdout().Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %s\n", path)
	return nil
}
