package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/driftmail-io/driftmail/internal/accounts"
	"github.com/driftmail-io/driftmail/internal/kv"
	"github.com/driftmail-io/driftmail/internal/queue"
	"github.com/driftmail-io/driftmail/internal/secrets"
	"github.com/driftmail-io/driftmail/internal/settings"
	"github.com/driftmail-io/driftmail/internal/tokens"
)

// openStore connects to Redis for the maintenance commands, with a quiet
// logger so command output stays parseable.
func openStore(ctx context.Context, cfg *config) (*kv.Store, *zap.Logger, error) {
	logger, err := buildLogger("error")
	if err != nil {
		return nil, nil, err
	}
	store, err := kv.New(ctx, kv.Options{
		Addr:     cfg.redisAddr,
		Password: cfg.redisPassword,
		DB:       cfg.redisDB,
		Prefix:   cfg.redisPrefix,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	return store, logger, nil
}

// newEncryptCmd re-encrypts stored credentials with a new key. Records are
// decrypted with the old key (or read as plaintext) and rewritten sealed
// with the new one; each rewrite announces an update so running engines
// reconnect with the re-read credentials.
func newEncryptCmd(cfg *config) *cobra.Command {
	var oldKey, newKey string

	cmd := &cobra.Command{
		Use:   "encrypt",
		Short: "Re-encrypt stored credentials with a new secret key",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, logger, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if oldKey == "" {
				oldKey = cfg.secretKey
			}
			oldReg := accounts.New(store, secrets.NewBox(oldKey), logger)
			newReg := accounts.New(store, secrets.NewBox(newKey), logger)

			ids, err := oldReg.IDs(cmd.Context())
			if err != nil {
				return err
			}
			for _, id := range ids {
				acc, err := oldReg.Load(cmd.Context(), id)
				if err != nil {
					return fmt.Errorf("failed to read %s with the old key: %w", id, err)
				}
				if err := newReg.Create(cmd.Context(), acc); err != nil {
					return fmt.Errorf("failed to rewrite %s: %w", id, err)
				}
				fmt.Printf("re-encrypted %s\n", id)
			}
			fmt.Printf("done, %d account(s) rewritten\n", len(ids))
			return nil
		},
	}
	cmd.Flags().StringVar(&oldKey, "old-key", "", "Current encryption key (defaults to --secret-key)")
	cmd.Flags().StringVar(&newKey, "new-key", "", "New encryption key (empty decrypts to plaintext)")
	return cmd
}

// newScanCmd summarizes the stored engine state for diagnostics.
func newScanCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Inspect stored engine state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, logger, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			registry := accounts.New(store, secrets.NewBox(cfg.secretKey), logger)
			ids, err := registry.IDs(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("accounts: %d\n", len(ids))

			states := map[accounts.State]int{}
			encrypted := 0
			for _, id := range ids {
				fields, err := store.Redis().HGetAll(ctx, store.Keys().Account(id)).Result()
				if err != nil {
					return err
				}
				states[accounts.State(fields["state"])]++
				if secrets.IsEncrypted(extractPassword(fields["imap"])) {
					encrypted++
				}
			}
			for state, n := range states {
				fmt.Printf("  %s: %d\n", state, n)
			}
			fmt.Printf("  encrypted credentials: %d\n", encrypted)

			engine := queue.New(queue.Config{Store: store, Logger: logger})
			for _, q := range []string{queue.Submit, queue.Notify} {
				depth, err := engine.Depth(ctx, q)
				if err != nil {
					return err
				}
				fmt.Printf("queue %s: %d waiting\n", q, depth)
			}

			all, err := settings.New(store).All(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("settings keys: %d\n", len(all))

			toks, err := tokens.NewService(store).List(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("access tokens: %d\n", len(toks))
			return nil
		},
	}
}

// extractPassword pulls the pass field out of a stored endpoint config
// without decrypting it.
func extractPassword(raw string) string {
	if raw == "" {
		return ""
	}
	var cfg struct {
		Password string `json:"pass"`
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return ""
	}
	return cfg.Password
}

// newPasswordCmd hashes an admin password for external auth frontends.
func newPasswordCmd() *cobra.Command {
	var asBase64 bool

	cmd := &cobra.Command{
		Use:   "password <password>",
		Short: "Hash a password with bcrypt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password := args[0]
			if len(password) < 8 {
				return fmt.Errorf("password must be at least 8 characters")
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
			if err != nil {
				return err
			}
			if asBase64 {
				fmt.Println(base64.RawURLEncoding.EncodeToString(hash))
				return nil
			}
			fmt.Println(string(hash))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asBase64, "hash", false, "Print the hash base64url-encoded")
	return cmd
}

// newTokensCmd manages API access tokens.
func newTokensCmd(cfg *config) *cobra.Command {
	root := &cobra.Command{
		Use:   "tokens",
		Short: "Manage API access tokens",
	}

	var description string
	var scopes []string
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a new access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			presented, token, err := tokens.NewService(store).Issue(cmd.Context(), description, scopes)
			if err != nil {
				return err
			}
			fmt.Printf("id:    %s\n", token.ID)
			fmt.Printf("token: %s\n", presented)
			return nil
		},
	}
	issue.Flags().StringVar(&description, "description", "", "Human-readable token description")
	issue.Flags().StringSliceVar(&scopes, "scope", []string{tokens.ScopeAPI}, "Token scopes (*, api, metrics)")

	export := &cobra.Command{
		Use:   "export <id>",
		Short: "Export a token for transfer to another instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			encoded, err := tokens.NewService(store).Export(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(encoded)
			return nil
		},
	}

	importCmd := &cobra.Command{
		Use:   "import <token>",
		Short: "Import a token exported elsewhere",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			token, err := tokens.NewService(store).Import(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("imported %s (scopes: %v)\n", token.ID, token.Scopes)
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			toks, err := tokens.NewService(store).List(cmd.Context())
			if err != nil {
				return err
			}
			for _, t := range toks {
				fmt.Printf("%s\t%v\t%s\t%s\n", t.ID, t.Scopes, t.Created.Format("2006-01-02"), t.Description)
			}
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Revoke a token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if err := tokens.NewService(store).Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("deleted")
			return nil
		},
	}

	root.AddCommand(issue, export, importCmd, list, del)
	return root
}
