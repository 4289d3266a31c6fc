package cli

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sjadev/toolvault/internal/config"
	"github.com/sjadev/toolvault/pkg/coretools"
	"github.com/sjadev/toolvault/pkg/plugin"
	"github.com/sjadev/toolvault/pkg/registry"
	"github.com/sjadev/toolvault/pkg/tool"
)

var toolCmd = &cobra.Command{
	Use:   "tool",
	Short: "Inspect the tool catalog",
}

var toolListCmd = &cobra.Command{
	Use:   "list",
	Short: "Load the catalog and list its tools",
	RunE:  runToolList,
}

func init() {
	toolCmd.AddCommand(toolListCmd)
	rootCmd.AddCommand(toolCmd)
}

func runToolList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	builtins := tool.NewBuiltinRegistry()
	if err := coretools.Register(builtins, coretools.Options{FileRoot: cfg.DataDir}); err != nil {
		return err
	}

	reg := registry.New(registry.Options{
		DescriptorDir: cfg.Tools.DescriptorDir,
		PluginDir:     cfg.Tools.PluginDir,
		PollInterval:  time.Duration(cfg.Tools.PollIntervalSeconds) * time.Second,
		Builtins:      builtins,
		Plugins:       plugin.NewHost(zerolog.Nop()),
		Logger:        zerolog.Nop(),
	})
	defer reg.Reset()

	result, err := reg.LoadAll()
	if err != nil {
		return err
	}

	for _, desc := range reg.GetAllEnabled() {
		fmt.Printf("%-30s %s\n", desc.Name, desc.Tool.Description())
	}
	if len(result.Failed) > 0 {
		fmt.Println()
		fmt.Printf("%d descriptor(s) failed to load:\n", len(result.Failed))
		for name, loadErr := range result.Errors {
			fmt.Printf("  %-28s %v\n", name, loadErr)
		}
	}
	return nil
}
