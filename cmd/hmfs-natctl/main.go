// Command hmfs-natctl is a developer/test CLI driving the NAT subsystem
// against an in-memory arena, in the same spf13/cobra "rootCmd +
// PersistentFlags + one file per subcommand" shape as the teacher's
// cmd/root.go. It never mounts or touches a real device: per spec.md's
// Non-goals, VFS glue and on-media super block/mount code stay out of
// scope, so every subcommand here operates against a fresh
// internal/testutil arena built from the configured layout.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/deploymenttheory/go-hmfs-nat/internal/config"
)

var (
	verbose    bool
	cfgFile    string
	allocCount int
	truncFrom  int64
)

var rootCmd = &cobra.Command{
	Use:   "hmfs-natctl",
	Short: "Drive the HMFS NAT subsystem against an in-memory arena",
	Long: `hmfs-natctl is a diagnostic command-line tool for exercising the
Node Address Table subsystem: allocating and materializing nodes,
truncating an inode's node tree, and flushing a checkpoint.

It operates entirely against an in-memory NVM arena built fresh for each
invocation; it does not mount or modify a real device.`,
	Version: "0.1.0-dev",
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "layout config file (YAML), overrides the built-in defaults")

	allocCmd.Flags().IntVarP(&allocCount, "count", "n", 1, "number of nodes to allocate")
	checkpointCmd.Flags().IntVarP(&allocCount, "count", "n", 1, "number of dirty nodes to allocate before flushing")
	truncateCmd.Flags().Int64Var(&truncFrom, "from", 0, "file-relative block index to truncate from")

	rootCmd.AddCommand(allocCmd, statsCmd, truncateCmd, checkpointCmd)
}

func loadLayout() (config.Layout, error) {
	if cfgFile == "" {
		return config.Default(), nil
	}
	v := viper.New()
	v.SetConfigFile(cfgFile)
	if err := v.ReadInConfig(); err != nil {
		return config.Layout{}, fmt.Errorf("hmfs-natctl: reading config %s: %w", cfgFile, err)
	}
	return config.Load(v)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
