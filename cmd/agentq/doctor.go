package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/agentq/internal/doctor"
)

var errDoctorFailed = errors.New("one or more checks failed")

func newDoctorCommand(opts *rootOptions) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check config, store, policy, gateway and relay reachability",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, loadErr := opts.load()
			diag := doctor.Run(cmd.Context(), &cfg, loadErr, Version)
			out := cmd.OutOrStdout()
			if jsonOutput {
				if err := printJSON(out, diag); err != nil {
					return err
				}
			} else {
				printDiagnosis(out, diag)
			}
			if diag.Failed() {
				return errDoctorFailed
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print the report as JSON")
	return cmd
}

func printDiagnosis(w io.Writer, diag doctor.Diagnosis) {
	fmt.Fprintf(w, "agentq doctor (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(w, "System: %s/%s (%s) %s\n", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)
	fmt.Fprintln(w, "---")
	for _, res := range diag.Results {
		fmt.Fprintf(w, "[%s] %-12s %s\n", res.Status, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(w, "       %s\n", res.Detail)
		}
	}
}
