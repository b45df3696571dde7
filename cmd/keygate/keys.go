package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"keygate/internal/keystore"
	"keygate/internal/lifecycle"
	"keygate/internal/model"

	"github.com/spf13/cobra"
)

func newKeysCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys in the configured store",
		Long: `Issue, list and revoke API keys directly against the key store named in
the configuration. A memory store does not outlive the command, so these
commands are meant for file, database and redis stores.`,
	}
	cmd.AddCommand(newKeysIssueCmd(opts), newKeysRevokeCmd(opts), newKeysListCmd(opts))
	return cmd
}

// withManager opens the store for the duration of fn.
func withManager(cmd *cobra.Command, opts *rootOptions, fn func(m *lifecycle.Manager, store keystore.Store) error) error {
	cfg, log, err := opts.loadConfig()
	if err != nil {
		return err
	}
	store, err := keystore.Open(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(lifecycle.NewManager(store, freePolicy(cfg), nil, log), store)
}

func newKeysIssueCmd(opts *rootOptions) *cobra.Command {
	var (
		tier     string
		limit    int64
		duration time.Duration
		owner    string
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a new key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := model.ParseTier(tier)
			if err != nil {
				return err
			}
			return withManager(cmd, opts, func(m *lifecycle.Manager, _ keystore.Store) error {
				k, err := m.Issue(cmd.Context(), t, limit, duration, owner)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), lifecycle.NewIssueResponse(k, owner != ""))
			})
		},
	}
	cmd.Flags().StringVar(&tier, "tier", string(model.TierPro), "key tier: free, pro or enterprise")
	cmd.Flags().Int64Var(&limit, "limit", 0, "requests allowed per window")
	cmd.Flags().DurationVar(&duration, "duration", 24*time.Hour, "window length")
	cmd.Flags().StringVar(&owner, "owner", "", "owner label")
	cmd.MarkFlagRequired("limit")
	return cmd
}

func newKeysRevokeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke a key by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, opts, func(m *lifecycle.Manager, _ keystore.Store) error {
				k, err := m.Revoke(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("failed to revoke %s: %w", args[0], err)
				}
				return printJSON(cmd.OutOrStdout(), k)
			})
		},
	}
}

func newKeysListCmd(opts *rootOptions) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List keys",
		Long:  "List the unrevoked keys of an owner, or every key including revoked ones when no owner is given.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, opts, func(m *lifecycle.Manager, store keystore.Store) error {
				var (
					keys []model.APIKey
					err  error
				)
				if owner != "" {
					keys, err = m.ListForOwner(cmd.Context(), owner)
				} else {
					keys, err = store.List(cmd.Context())
				}
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), keys)
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner label or user id")
	return cmd
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
