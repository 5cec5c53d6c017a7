package cmd

import (
	"fmt"

	"github.com/flux-framework/flux-go/pkg/jobid"
	"github.com/spf13/cobra"
)

func newCmdJobid() *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "jobid JOBID",
		Short: "Translate a JOBID between its decimal, hex, dothex, f58, and kvs encodings",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			id, err := jobid.Parse(args[0])
			if err != nil {
				exitUsage(err)
			}
			out, err := id.Encode(to)
			if err != nil {
				exitUsage(err)
			}
			fmt.Fprintln(stdout, out)
		},
	}
	cmd.Flags().StringVar(&to, "to", jobid.FormDec, fmt.Sprintf("output form: %s, %s, %s, %s, or %s",
		jobid.FormDec, jobid.FormHex, jobid.FormDotHex, jobid.FormF58, jobid.FormKVS))
	return cmd
}
