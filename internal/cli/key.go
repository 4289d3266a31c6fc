package cli

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sjadev/toolvault/internal/config"
	"github.com/sjadev/toolvault/pkg/apikey"
)

var (
	keyName        string
	keyDescription string
	keyCreatedBy   string
	keyAccessMode  string
	keyTools       []string
	keyPatterns    []string
	keyExpiresAt   string
	keyShowFull    bool
)

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage API keys",
}

var keyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new API key",
	RunE:  runKeyCreate,
}

var keyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List API keys",
	RunE:  runKeyList,
}

var keyRevokeCmd = &cobra.Command{
	Use:   "revoke <key-or-name>",
	Short: "Disable an API key",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeyRevoke,
}

var keyDeleteCmd = &cobra.Command{
	Use:   "delete <key-or-name>",
	Short: "Delete an API key record",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeyDelete,
}

func init() {
	keyCreateCmd.Flags().StringVar(&keyName, "name", "", "display name (required)")
	keyCreateCmd.Flags().StringVar(&keyDescription, "description", "", "description")
	keyCreateCmd.Flags().StringVar(&keyCreatedBy, "created-by", "", "owning user id")
	keyCreateCmd.Flags().StringVar(&keyAccessMode, "mode", "all", "access mode: all, allowlist, denylist, regex")
	keyCreateCmd.Flags().StringSliceVar(&keyTools, "tool", nil, "tool name for allowlist/denylist mode (repeatable)")
	keyCreateCmd.Flags().StringSliceVar(&keyPatterns, "pattern", nil, "regex pattern for regex mode (repeatable)")
	keyCreateCmd.Flags().StringVar(&keyExpiresAt, "expires-at", "", "expiry as RFC 3339 timestamp")
	keyCreateCmd.MarkFlagRequired("name")

	keyListCmd.Flags().BoolVar(&keyShowFull, "full", false, "show full key values")

	keyCmd.AddCommand(keyCreateCmd)
	keyCmd.AddCommand(keyListCmd)
	keyCmd.AddCommand(keyRevokeCmd)
	keyCmd.AddCommand(keyDeleteCmd)
	rootCmd.AddCommand(keyCmd)
}

func openKeyAuthority() (*apikey.Authority, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	return apikey.NewAuthority(apikey.Config{
		KeysPath: cfg.APIKeys.KeysFile,
		Settings: apikey.Settings{
			KeyPrefix: cfg.APIKeys.KeyPrefix,
			KeyLength: cfg.APIKeys.KeyLength,
			DefaultRateLimit: apikey.RateLimit{
				RequestsPerMinute: cfg.APIKeys.DefaultRateLimit.RequestsPerMinute,
				RequestsPerHour:   cfg.APIKeys.DefaultRateLimit.RequestsPerHour,
			},
			MaxKeysPerUser: cfg.APIKeys.MaxKeysPerUser,
		},
		Logger: zerolog.Nop(),
	})
}

func runKeyCreate(cmd *cobra.Command, args []string) error {
	authority, err := openKeyAuthority()
	if err != nil {
		return err
	}

	record, err := authority.CreateKey(cmd.Context(), apikey.CreateRequest{
		Name:        keyName,
		Description: keyDescription,
		CreatedBy:   keyCreatedBy,
		AccessMode:  keyAccessMode,
		Tools:       keyTools,
		Patterns:    keyPatterns,
		ExpiresAt:   keyExpiresAt,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Created key %s (%s)\n", record.Name, record.Key)
	fmt.Println("Store this value now; it is shown masked from here on.")
	return nil
}

func runKeyList(cmd *cobra.Command, args []string) error {
	authority, err := openKeyAuthority()
	if err != nil {
		return err
	}

	records := authority.ListKeys(keyShowFull)
	if len(records) == 0 {
		fmt.Println("No API keys.")
		return nil
	}
	for _, record := range records {
		state := "enabled"
		if !record.Enabled {
			state = "disabled"
		}
		fmt.Printf("%-40s %-20s %-9s mode=%-9s requests=%d\n",
			record.Key, record.Name, state, record.Policy.Mode, record.Usage.TotalRequests)
	}
	return nil
}

func resolveKey(authority *apikey.Authority, query string) (apikey.Record, error) {
	record, found := authority.GetKeyByPartialMatch(strings.TrimSpace(query))
	if !found {
		return apikey.Record{}, fmt.Errorf("no key matches %q", query)
	}
	return record, nil
}

func runKeyRevoke(cmd *cobra.Command, args []string) error {
	authority, err := openKeyAuthority()
	if err != nil {
		return err
	}
	record, err := resolveKey(authority, args[0])
	if err != nil {
		return err
	}
	if _, err := authority.DisableKey(record.Key); err != nil {
		return err
	}
	fmt.Printf("Disabled key %s\n", record.Masked())
	return nil
}

func runKeyDelete(cmd *cobra.Command, args []string) error {
	authority, err := openKeyAuthority()
	if err != nil {
		return err
	}
	record, err := resolveKey(authority, args[0])
	if err != nil {
		return err
	}
	if _, err := authority.DeleteKey(record.Key); err != nil {
		return err
	}
	fmt.Printf("Deleted key %s\n", record.Masked())
	return nil
}
