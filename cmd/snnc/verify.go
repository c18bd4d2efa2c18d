package main

import (
	"fmt"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/openfluke/snnc/gpu"
)

func newVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify MODEL",
		Short: "Unpack the weight buffers of a model on the GPU and compare them to the model",
		Args:  cobra.ExactArgs(1),
		RunE:  VerifyHandler,
	}
	addBuildFlags(cmd)
	cmd.Flags().Float32("tolerance", 1e-4, "Largest relative error accepted")
	return cmd
}

// VerifyHandler builds a model and checks its packed buffers on the device
func VerifyHandler(cmd *cobra.Command, args []string) error {
	s, err := settingsFromFlags(cmd)
	if err != nil {
		return err
	}
	tol, _ := cmd.Flags().GetFloat32("tolerance")

	m, g, err := buildModel(args[0], s, s.loader())
	if err != nil {
		return err
	}
	c, err := gpu.GetContext()
	if err != nil {
		return err
	}

	checks, verr := gpu.Verify(g, tol)
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s on %s: %d buffers checked\n", m.Name, c.Name, len(checks))

	color := colorEnabled(w)
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"LAYER", "PASS", "LAYOUT", "VALUES", "MAX ERROR", "STATUS"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	for _, check := range checks {
		table.Append([]string{
			check.Layer,
			strconv.Itoa(check.Pass),
			check.Kind,
			strconv.Itoa(check.Values),
			fmt.Sprintf("%.3g", check.MaxError),
			status(check.MaxError <= tol, color),
		})
	}
	table.Render()
	return verr
}

func status(ok, color bool) string {
	switch {
	case ok && color:
		return "\033[32mok\033[0m"
	case ok:
		return "ok"
	case color:
		return "\033[31mFAIL\033[0m"
	}
	return "FAIL"
}
