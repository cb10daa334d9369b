package main

import (
	"fmt"
	"os"

	"github.com/am-ricci/casaflow/backend/crypto"
	"github.com/am-ricci/casaflow/backend/database"
	"github.com/am-ricci/casaflow/backend/services"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

var dbPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "casactl",
		Short:         "CasaFlow administration tool",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "./casaflow.db", "path to the SQLite database")

	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(createUserCmd())
	rootCmd.AddCommand(seedDefaultsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new AES-256 encryption key",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := crypto.GenerateEncryptionKey()
			if err != nil {
				return fmt.Errorf("failed to generate key: %v", err)
			}

			fmt.Println("Your new encryption key:")
			fmt.Println()
			fmt.Println(key)
			fmt.Println()
			fmt.Println("Add this to your .env file:")
			fmt.Printf("ENCRYPTION_KEY=%s\n", key)
			fmt.Println()
			fmt.Println("IMPORTANT:")
			fmt.Println("- Keep this key secure and never commit it to version control")
			fmt.Println("- Tenant document numbers and SMTP passwords are encrypted with it")
			fmt.Println("- If you lose this key, encrypted fields become unreadable")
			return nil
		},
	}
}

func createUserCmd() *cobra.Command {
	var username, password, fullName, email, role string

	cmd := &cobra.Command{
		Use:   "create-user",
		Short: "Create a manager or admin account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(password) < 6 {
				return fmt.Errorf("password must be at least 6 characters")
			}
			if role != "admin" && role != "manager" {
				return fmt.Errorf("role must be admin or manager")
			}

			db, err := database.InitDB(dbPath)
			if err != nil {
				return fmt.Errorf("failed to open database: %v", err)
			}
			defer db.Close()

			if err := database.RunMigrations(db); err != nil {
				return fmt.Errorf("failed to run migrations: %v", err)
			}

			var exists int
			if err := db.QueryRow("SELECT COUNT(*) FROM users WHERE username = ?", username).Scan(&exists); err != nil {
				return err
			}
			if exists > 0 {
				return fmt.Errorf("username %q already exists", username)
			}

			hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("failed to hash password: %v", err)
			}

			result, err := db.Exec(`
				INSERT INTO users (username, password_hash, full_name, email, role)
				VALUES (?, ?, ?, ?, ?)
			`, username, string(hash), fullName, email, role)
			if err != nil {
				return fmt.Errorf("failed to create user: %v", err)
			}

			id, _ := result.LastInsertId()
			fmt.Printf("Created %s %q (id %d)\n", role, username, id)
			return nil
		},
	}

	cmd.Flags().StringVar(&username, "username", "", "login name")
	cmd.Flags().StringVar(&password, "password", "", "initial password")
	cmd.Flags().StringVar(&fullName, "full-name", "", "display name")
	cmd.Flags().StringVar(&email, "email", "", "email address")
	cmd.Flags().StringVar(&role, "role", "manager", "account role (admin or manager)")
	cmd.MarkFlagRequired("username")
	cmd.MarkFlagRequired("password")

	return cmd
}

func seedDefaultsCmd() *cobra.Command {
	var userID int

	cmd := &cobra.Command{
		Use:   "seed-defaults",
		Short: "Create a user's billing defaults row with the standard values",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := database.InitDB(dbPath)
			if err != nil {
				return fmt.Errorf("failed to open database: %v", err)
			}
			defer db.Close()

			if err := database.RunMigrations(db); err != nil {
				return fmt.Errorf("failed to run migrations: %v", err)
			}

			var exists int
			if err := db.QueryRow("SELECT COUNT(*) FROM users WHERE id = ?", userID).Scan(&exists); err != nil {
				return err
			}
			if exists == 0 {
				return fmt.Errorf("no user with id %d", userID)
			}

			billing := services.NewBillingService(db, nil)
			defaults, err := billing.GetDefaults(userID)
			if err != nil {
				return fmt.Errorf("failed to seed defaults: %v", err)
			}

			fmt.Printf("Billing defaults for user %d:\n", userID)
			fmt.Printf("  TARI:           %.2f\n", defaults.Tari)
			fmt.Printf("  Meter fee:      %.2f\n", defaults.MeterFee)
			fmt.Printf("  Electricity:    %.2f/kWh\n", defaults.UnitCosts.Electricity)
			fmt.Printf("  Water:          %.2f/m3\n", defaults.UnitCosts.Water)
			fmt.Printf("  Gas:            %.2f/m3\n", defaults.UnitCosts.Gas)
			fmt.Printf("  Automation:     %s\n", defaults.AutomationType)
			return nil
		},
	}

	cmd.Flags().IntVar(&userID, "user", 0, "user id to seed")
	cmd.MarkFlagRequired("user")

	return cmd
}
