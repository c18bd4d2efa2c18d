package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/openfluke/snnc/envconfig"
	"github.com/openfluke/snnc/model"
	"github.com/openfluke/snnc/nn"
	"github.com/openfluke/snnc/shader"
	"github.com/openfluke/snnc/tiling"
)

func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

// NewCLI returns the root command with every subcommand attached
func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "snnc",
		Short:         "Compile neural network models into GPU shader passes",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			slog.SetDefault(newLogger(cmd.ErrOrStderr(), envconfig.LogLevel()))
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Print(cmd.UsageString())
		},
	}

	compileCmd := newCompileCmd()
	summaryCmd := newSummaryCmd()
	verifyCmd := newVerifyCmd()
	kindsCmd := newKindsCmd()
	envCmd := newEnvCmd()

	envVars := envconfig.AsMap()
	buildEnvs := []envconfig.EnvVar{
		envVars["SNNC_DEBUG"],
		envVars["SNNC_ASSETS"],
		envVars["SNNC_BACKEND"],
		envVars["SNNC_PRECISION"],
		envVars["SNNC_MRT"],
		envVars["SNNC_WEIGHT_MODE"],
	}
	for _, cmd := range []*cobra.Command{compileCmd, summaryCmd, verifyCmd} {
		switch cmd {
		case compileCmd:
			appendEnvDocs(cmd, append(buildEnvs, envVars["SNNC_JOBS"]))
		case verifyCmd:
			appendEnvDocs(cmd, append(buildEnvs, envVars["SNNC_GPU_TIMEOUT"]))
		default:
			appendEnvDocs(cmd, buildEnvs)
		}
	}

	rootCmd.AddCommand(
		compileCmd,
		summaryCmd,
		verifyCmd,
		kindsCmd,
		envCmd,
	)

	return rootCmd
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:     level,
		AddSource: level < slog.LevelDebug,
	}))
}

// colorEnabled reports whether stdout is a terminal that accepts ANSI colors
func colorEnabled(w io.Writer) bool {
	if envconfig.NoColor() {
		return false
	}
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func addBuildFlags(cmd *cobra.Command) {
	cmd.Flags().String("assets", "", "Directory holding shader templates (default $SNNC_ASSETS or ./assets)")
	cmd.Flags().String("backend", "", "Shader backend: fragment, compute or vulkan")
	cmd.Flags().String("precision", "", "Pass precision: fp16 or fp32")
	cmd.Flags().String("mrt", "", "Render targets per fragment pass: none, single, double or quad")
	cmd.Flags().String("weight-mode", "", "How weights reach shaders: constants, textures, uniform or ssbo")
}

// buildSettings is the resolved configuration of one compile. Flags win over
// the environment.
type buildSettings struct {
	assets     string
	backend    nn.Backend
	half       bool
	mrt        tiling.MRTMode
	weightMode nn.WeightMode
}

func parsePrecision(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "fp32", "float", "highp":
		return false, nil
	case "fp16", "half", "mediump":
		return true, nil
	}
	return false, fmt.Errorf("unknown precision %q", s)
}

func settingsFromFlags(cmd *cobra.Command) (buildSettings, error) {
	s := buildSettings{
		assets:     envconfig.Assets(),
		backend:    envconfig.Backend(),
		half:       envconfig.PreferHalf(),
		mrt:        envconfig.MRT(),
		weightMode: envconfig.WeightMode(),
	}

	flags := cmd.Flags()
	var err error
	if v, _ := flags.GetString("assets"); v != "" {
		s.assets = filepath.Clean(v)
	}
	if v, _ := flags.GetString("backend"); v != "" {
		if s.backend, err = nn.ParseBackend(v); err != nil {
			return s, err
		}
	}
	if v, _ := flags.GetString("precision"); v != "" {
		if s.half, err = parsePrecision(v); err != nil {
			return s, err
		}
	}
	if v, _ := flags.GetString("mrt"); v != "" {
		if s.mrt, err = tiling.ParseMRTMode(v); err != nil {
			return s, err
		}
	}
	if v, _ := flags.GetString("weight-mode"); v != "" {
		if s.weightMode, err = nn.ParseWeightMode(v); err != nil {
			return s, err
		}
	}
	return s, nil
}

func (s buildSettings) loader() shader.Loader {
	return shader.NewCachedLoader(shader.NewFSLoader(os.DirFS(s.assets)))
}

// buildModel loads the model at path and synthesizes its passes
func buildModel(path string, s buildSettings, assets shader.Loader) (*model.Model, *nn.Graph, error) {
	m, err := model.Load(os.DirFS(filepath.Dir(path)), filepath.Base(path), model.Options{PreferHalf: s.half})
	if err != nil {
		return nil, nil, err
	}
	g, err := nn.Build(m.Nodes, nn.GenerateOptions{
		DesiredInput: m.DesiredInput(s.half),
		Backend:      s.backend,
		PreferHalf:   s.half,
		MRT:          s.mrt,
		WeightMode:   s.weightMode,
		Assets:       assets,
	})
	if err != nil {
		return m, nil, fmt.Errorf("%s: %w", m.Name, err)
	}
	return m, g, nil
}
