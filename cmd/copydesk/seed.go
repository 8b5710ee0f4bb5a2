package main

import (
	"context"
	"fmt"

	"github.com/ewanhart/copydesk/internal/config"
	"github.com/ewanhart/copydesk/internal/crypto"
	"github.com/ewanhart/copydesk/internal/user"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

var seedCmd = &cobra.Command{
	Use:   "seed [email]",
	Short: "Create a local admin account with a generated password",
	Long:  "Creates an active admin account for local development, bypassing the invite flow. The generated password is printed once and stored only as a hash.",
	Args:  cobra.ExactArgs(1),
	RunE:  runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	store := user.NewStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}

	email := user.NormalizeEmail(args[0])
	if existing, err := store.GetByEmail(ctx, email); err != nil {
		return err
	} else if existing != nil {
		return fmt.Errorf("user %s already exists", email)
	}

	password, err := crypto.GenerateToken(12)
	if err != nil {
		return fmt.Errorf("generating password: %w", err)
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}

	u, err := store.Create(ctx, user.CreateUserInput{
		Email:      email,
		Name:       "Local Admin",
		Features:   cfg.Auth.AdminFeatures,
		Status:     user.StatusActive,
		IsAdmin:    true,
		IsApprover: true,
	})
	if err != nil {
		return fmt.Errorf("creating user: %w", err)
	}
	if err := store.SetPassword(ctx, u.ID, hash); err != nil {
		return fmt.Errorf("setting password: %w", err)
	}

	fmt.Printf("\n=== Local Admin Created ===\n")
	fmt.Printf("Email:    %s\n", email)
	fmt.Printf("Password: %s\n", password)
	fmt.Printf("\nLog in:\n")
	fmt.Printf("  curl -X POST http://%s/api/auth/login \\\n", cfg.Addr())
	fmt.Printf("    -H 'Content-Type: application/json' -H 'X-Requested-With: XMLHttpRequest' \\\n")
	fmt.Printf("    -d '{\"email\":%q,\"password\":%q}'\n", email, password)

	return nil
}
