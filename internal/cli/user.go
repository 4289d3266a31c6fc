package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sjadev/toolvault/internal/config"
	"github.com/sjadev/toolvault/pkg/session"
)

var (
	userName     string
	userEmail    string
	userRoles    []string
	userTools    []string
	userPassword string
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage user accounts",
}

var userAddCmd = &cobra.Command{
	Use:   "add <user-id>",
	Short: "Create a user account",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserAdd,
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List user accounts",
	RunE:  runUserList,
}

var userDisableCmd = &cobra.Command{
	Use:   "disable <user-id>",
	Short: "Disable a user account and drop its sessions",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserDisable,
}

var userDeleteCmd = &cobra.Command{
	Use:   "delete <user-id>",
	Short: "Delete a user account",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserDelete,
}

func init() {
	userAddCmd.Flags().StringVar(&userName, "name", "", "display name")
	userAddCmd.Flags().StringVar(&userEmail, "email", "", "email address")
	userAddCmd.Flags().StringSliceVar(&userRoles, "role", nil, "role (repeatable)")
	userAddCmd.Flags().StringSliceVar(&userTools, "tool", nil, "accessible tool, or * for all (repeatable)")
	userAddCmd.Flags().StringVar(&userPassword, "password", "", "password (prompted when omitted)")

	userCmd.AddCommand(userAddCmd)
	userCmd.AddCommand(userListCmd)
	userCmd.AddCommand(userDisableCmd)
	userCmd.AddCommand(userDeleteCmd)
	rootCmd.AddCommand(userCmd)
}

func openSessionAuthority() (*session.Authority, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	return session.NewAuthority(session.Config{
		UsersPath: cfg.Sessions.UsersFile,
		AdminUser: cfg.Sessions.AdminUser,
		Logger:    zerolog.Nop(),
	})
}

func runUserAdd(cmd *cobra.Command, args []string) error {
	authority, err := openSessionAuthority()
	if err != nil {
		return err
	}

	password := userPassword
	if password == "" {
		fmt.Print("Password: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		password = strings.TrimSpace(line)
	}
	if password == "" {
		return fmt.Errorf("password must not be empty")
	}

	err = authority.CreateUser(session.UserAccount{
		UserID:   args[0],
		UserName: userName,
		Email:    userEmail,
		Roles:    userRoles,
		Tools:    userTools,
		Enabled:  true,
	}, password)
	if err != nil {
		return err
	}
	fmt.Printf("Created user %s\n", args[0])
	return nil
}

func runUserList(cmd *cobra.Command, args []string) error {
	authority, err := openSessionAuthority()
	if err != nil {
		return err
	}

	accounts := authority.ListUsers()
	if len(accounts) == 0 {
		fmt.Println("No user accounts.")
		return nil
	}
	for _, account := range accounts {
		state := "enabled"
		if !account.Enabled {
			state = "disabled"
		}
		fmt.Printf("%-20s %-9s roles=%v tools=%v\n", account.UserID, state, account.Roles, account.Tools)
	}
	return nil
}

func runUserDisable(cmd *cobra.Command, args []string) error {
	authority, err := openSessionAuthority()
	if err != nil {
		return err
	}
	disabled, err := authority.DisableUser(args[0])
	if err != nil {
		return err
	}
	if !disabled {
		return fmt.Errorf("user %s cannot be disabled", args[0])
	}
	fmt.Printf("Disabled user %s\n", args[0])
	return nil
}

func runUserDelete(cmd *cobra.Command, args []string) error {
	authority, err := openSessionAuthority()
	if err != nil {
		return err
	}
	deleted, err := authority.DeleteUser(args[0])
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("user %s cannot be deleted", args[0])
	}
	fmt.Printf("Deleted user %s\n", args[0])
	return nil
}
