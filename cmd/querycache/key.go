package main

import (
	"fmt"
	"strings"

	"github.com/agentuity/querycache/cache"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

var keyCmd = &cobra.Command{
	Use:   "key <namespace> <entity> [name=value...]",
	Short: "Print the canonical cache key for a query",
	Example: `  querycache key app role:query role=teacher page=2
  querycache key app dashboard class=3A --pattern`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		builder := cache.NewKeyBuilder(args[0])
		if n, _ := cmd.Flags().GetInt("max-params"); n > 0 {
			builder = builder.WithMaxParamLength(n)
		}
		if pattern, _ := cmd.Flags().GetBool("pattern"); pattern {
			fmt.Fprintln(cmd.OutOrStdout(), builder.Pattern(args[1]))
			return nil
		}
		params, err := parseParams(args[2:])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), builder.Key(args[1], params))
		return nil
	},
}

func parseParams(args []string) (map[string]any, error) {
	params := make(map[string]any, len(args))
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, errors.Newf("invalid parameter %q, expected name=value", arg)
		}
		params[name] = value
	}
	return params, nil
}

func init() {
	keyCmd.Flags().Bool("pattern", false, "print the glob matching every key of the entity instead")
	keyCmd.Flags().Int("max-params", 0, "hash parameter sections longer than this many bytes")
	rootCmd.AddCommand(keyCmd)
}
