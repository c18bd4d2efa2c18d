package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/openfluke/snnc/envconfig"
	"github.com/openfluke/snnc/nn"
)

func newSummaryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summary MODEL",
		Short: "Show the layers of a model with their output shapes",
		Args:  cobra.ExactArgs(1),
		RunE:  SummaryHandler,
	}
	addBuildFlags(cmd)
	return cmd
}

// SummaryHandler prints the layer table of a built model
func SummaryHandler(cmd *cobra.Command, args []string) error {
	s, err := settingsFromFlags(cmd)
	if err != nil {
		return err
	}
	m, g, err := buildModel(args[0], s, s.loader())
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s: %d layers, %d passes (%s)\n", m.Name, len(g.Nodes), g.PassCount(), s.backend)
	g.Summary(w)
	return nil
}

func newKindsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kinds",
		Short: "List the supported layer kinds",
		Args:  cobra.NoArgs,
		RunE:  KindsHandler,
	}
}

// KindsHandler prints every registered kind with its backends and aliases
func KindsHandler(cmd *cobra.Command, args []string) error {
	reg := nn.NewRegistry()

	aliases := make(map[nn.Kind][]string)
	for _, name := range reg.Names() {
		k, err := reg.Lookup(name)
		if err != nil || name == k.String() {
			continue
		}
		aliases[k] = append(aliases[k], name)
	}

	var data [][]string
	for _, k := range reg.Kinds() {
		c, _ := reg.Capability(k)
		backends := make([]string, 0, 3)
		for _, b := range c.Backends() {
			backends = append(backends, b.String())
		}
		if c.CPU {
			backends = append(backends, "cpu")
		}
		data = append(data, []string{strconv.Itoa(int(k)), k.String(), strings.Join(backends, ", "), strings.Join(aliases[k], ", ")})
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"ID", "KIND", "BACKENDS", "ALIASES"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
	return nil
}

func newEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "Show the environment configuration",
		Args:  cobra.NoArgs,
		RunE:  EnvHandler,
	}
}

// EnvHandler prints every SNNC_* variable with its effective value
func EnvHandler(cmd *cobra.Command, args []string) error {
	vars := envconfig.AsMap()
	names := make([]string, 0, len(vars))
	for k := range vars {
		names = append(names, k)
	}
	sort.Strings(names)

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"NAME", "VALUE", "DESCRIPTION"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	for _, k := range names {
		v := vars[k]
		table.Append([]string{v.Name, fmt.Sprintf("%v", v.Value), v.Description})
	}
	table.Render()
	return nil
}
