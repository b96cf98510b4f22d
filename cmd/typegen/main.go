// Command typegen writes TypeScript declarations for the wire types shared
// with browser windows.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	tygo "github.com/gzuidhof/tygo/tygo"
	"github.com/spf13/cobra"
)

const modulePath = "github.com/ricochet1k/termtabs"

// wirePackages maps each Go package to the file generated for it.
var wirePackages = map[string]string{
	"pkg/protocol": "protocol.ts",
	"pkg/realtime": "realtime.ts",
	"pkg/api":      "api.ts",
}

func packageConfigs(outDir string) []*tygo.PackageConfig {
	configs := make([]*tygo.PackageConfig, 0, len(wirePackages))
	for _, pkg := range []string{"pkg/protocol", "pkg/realtime", "pkg/api"} {
		configs = append(configs, &tygo.PackageConfig{
			Path:             modulePath + "/" + pkg,
			OutputPath:       filepath.Join(outDir, wirePackages[pkg]),
			PreserveComments: "none",
		})
	}
	return configs
}

func main() {
	var outDir string
	cmd := &cobra.Command{
		Use:          "typegen",
		Short:        "Generate TypeScript types for the termtabs wire protocol",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return err
			}
			gen := tygo.New(&tygo.Config{
				TypeMappings: map[string]string{
					"time.Time":       "string",
					"json.RawMessage": "unknown",
				},
				Packages: packageConfigs(outDir),
			})
			if err := gen.Generate(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", outDir)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", filepath.Join("web", "src", "types", "generated"), "output directory")
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
