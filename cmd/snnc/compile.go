package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfluke/snnc/envconfig"
	"github.com/openfluke/snnc/model"
	"github.com/openfluke/snnc/nn"
)

func newCompileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compile MODEL [MODEL...]",
		Short: "Synthesize the passes of one or more models",
		Long: `Synthesize the passes of one or more models and write them as <model>.json
to the output directory. Models are compiled concurrently, up to $SNNC_JOBS at a time.`,
		Args: cobra.MinimumNArgs(1),
		RunE: CompileHandler,
	}
	addBuildFlags(cmd)
	cmd.Flags().StringP("out", "o", ".", "Output directory")
	cmd.Flags().Bool("dump", false, "Also write the source of every pass to <out>/<model>/")
	return cmd
}

// CompileHandler compiles every model argument
func CompileHandler(cmd *cobra.Command, args []string) error {
	s, err := settingsFromFlags(cmd)
	if err != nil {
		return err
	}
	out, _ := cmd.Flags().GetString("out")
	dump, _ := cmd.Flags().GetBool("dump")

	// Each model writes <out>/<name>.json, so names must be distinct.
	seen := make(map[string]string, len(args))
	for _, path := range args {
		name := model.NameFromPath(filepath.ToSlash(path))
		if prev, ok := seen[name]; ok {
			return fmt.Errorf("%s and %s both compile to model %q", prev, path, name)
		}
		seen[name] = path
	}
	if err := os.MkdirAll(out, 0o755); err != nil {
		return err
	}

	assets := s.loader()
	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(envconfig.Jobs())
	for _, path := range args {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			m, graph, err := buildModel(path, s, assets)
			if err != nil {
				return err
			}
			if err := writeGraph(filepath.Join(out, m.Name+".json"), graph); err != nil {
				return err
			}
			if dump {
				if err := dumpSources(filepath.Join(out, m.Name), graph); err != nil {
					return err
				}
			}
			slog.Info("compiled model", "model", m.Name, "layers", len(graph.Nodes), "passes", graph.PassCount(), "backend", s.backend)
			return nil
		})
	}
	return g.Wait()
}

func writeGraph(path string, g *nn.Graph) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// passFileName names the dump of one pass
func passFileName(layer string, pass int) string {
	return fmt.Sprintf("%s pass[%02d].glsl", layer, pass)
}

// dumpSources writes the GLSL of every fragment and compute pass
func dumpSources(dir string, g *nn.Graph) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, n := range g.Nodes {
		for i, p := range n.Passes {
			if p.Exec == nn.ExecGPUVK || p.Source == "" {
				continue
			}
			if err := os.WriteFile(filepath.Join(dir, passFileName(n.Name, i)), []byte(p.Source), 0o644); err != nil {
				return err
			}
		}
	}
	return nil
}
