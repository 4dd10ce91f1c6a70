package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/aurora/internal/auth"
	"github.com/oriys/aurora/internal/ledger"
)

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys used to authenticate the ingress surface",
	}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyRevokeCmd())
	cmd.AddCommand(apikeyRotateCmd())
	cmd.AddCommand(apikeyListCmd())
	return cmd
}

func openAPIKeyStore(cmd *cobra.Command) (*ledger.Store, *auth.APIKeyStore, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	store, err := ledger.New(context.Background(), cfg.Ledger.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect ledger: %w", err)
	}
	return store, auth.NewAPIKeyStore(store.Pool()), nil
}

func apikeyCreateCmd() *cobra.Command {
	var role, createdBy string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a new API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, keys, err := openAPIKeyStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			key, err := keys.Create(context.Background(), args[0], auth.Role(role), createdBy, ttl)
			if err != nil {
				return err
			}
			fmt.Printf("created key %q (role=%s): %s\n", args[0], role, key)
			fmt.Println("store this value now; it cannot be recovered later")
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", string(auth.RoleService), "Role: READONLY, SERVICE, or ADMIN")
	cmd.Flags().StringVar(&createdBy, "created-by", "cli", "Identity recorded as the creator")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Optional expiry; zero means no expiry")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke NAME",
		Short: "Deactivate an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, keys, err := openAPIKeyStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := keys.Revoke(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("revoked %q\n", args[0])
			return nil
		},
	}
}

func apikeyRotateCmd() *cobra.Command {
	var overlapMinutes int

	cmd := &cobra.Command{
		Use:   "rotate NAME",
		Short: "Rotate an API key, keeping the old one valid during an overlap window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, keys, err := openAPIKeyStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			newKey, err := keys.Rotate(context.Background(), args[0], time.Duration(overlapMinutes)*time.Minute)
			if err != nil {
				return err
			}
			fmt.Printf("rotated %q, new key: %s\n", args[0], newKey)
			fmt.Printf("old key remains valid for %d more minutes\n", overlapMinutes)
			return nil
		},
	}
	cmd.Flags().IntVar(&overlapMinutes, "overlap-minutes", 60, "How long the old key keeps authenticating")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, keys, err := openAPIKeyStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			rows, err := keys.List(context.Background())
			if err != nil {
				return err
			}
			for _, k := range rows {
				fmt.Printf("%-20s role=%-10s active=%v\n", k.Name, k.Role, k.Active)
			}
			return nil
		},
	}
}
