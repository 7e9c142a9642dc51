package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kination/dagrun/internal/compiler"
	"github.com/kination/dagrun/internal/operator"
	"github.com/kination/dagrun/internal/operator/builtin"
	"github.com/kination/dagrun/internal/report"
)

var (
	configPath   string
	outputDir    string
	outputFormat string
)

var compileCmd = &cobra.Command{
	Use:   "compile",
	Short: "Compile pipeline definitions into manifests",
	Long: `Compile pipeline definitions from YAML, JSON or HCL files into
normalized manifests. The compiler will:
  1. Scan the source directories listed in the config file
  2. Load every .yaml, .yml, .json and .hcl definition
  3. Check that it compiles into an acyclic graph of known operators
  4. Save the manifest to the output directory`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "🚀 Starting dagrun compiler...")
		fmt.Fprintf(out, "   - Config: %s\n", configPath)
		fmt.Fprintf(out, "   - Output: %s\n", outputDir)

		// Operators are built without connections: compiling checks params only.
		resolve := builtin.Registry().Resolver(operator.Deps{})
		written, err := compiler.CompileDags(configPath, outputDir, compiler.Format(outputFormat), resolve)
		if err != nil {
			return fmt.Errorf("compilation failed: %w", err)
		}
		for _, name := range written {
			fmt.Fprintf(out, "   ✨ Compiled: %s\n", name)
		}
		fmt.Fprintf(out, "✅ %d pipeline(s) compiled successfully!\n", len(written))
		return nil
	},
}

var graphFlags pipelineFlags

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Print the tasks of a pipeline in execution order",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := loadPipeline(graphFlags.ref)
		if err != nil {
			return err
		}
		g, err := compilePipeline(p, operator.Deps{})
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), report.Graph(g))
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of dagrun",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "dagrun %s\n", version)
	},
}

func init() {
	compileCmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the configuration file")
	compileCmd.Flags().StringVarP(&outputDir, "out", "o", "dist", "Directory to save generated manifests")
	compileCmd.Flags().StringVarP(&outputFormat, "format", "f", "yaml", "Manifest format: yaml or json")

	graphCmd.Flags().StringVarP(&graphFlags.ref, "pipeline", "p", "sparkify", "Pipeline file (.yaml, .json, .hcl) or builtin name")
}
