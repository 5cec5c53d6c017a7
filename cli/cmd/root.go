// Package cmd implements the flux CLI: thin cobra front-ends over the
// messaging core's Handle, RPC, and bulk-exec packages (spec §6's CLI
// surface contract).
package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/flux-framework/flux-go/pkg/handle"
	"github.com/mattn/go-isatty"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// special handling for Windows, on all other platforms these resolve to
	// os.Stdout and os.Stderr, thanks to https://github.com/mattn/go-colorable
	stdout = color.Output
	stderr = color.Error

	okStatus   = color.New(color.FgGreen, color.Bold).SprintFunc()("√")  // √
	warnStatus = color.New(color.FgYellow, color.Bold).SprintFunc()("‼") // ‼
	failStatus = color.New(color.FgRed, color.Bold).SprintFunc()("×")    // ×

	handleURI string
	verbose   bool
)

// RootCmd represents the root cobra command.
var RootCmd = &cobra.Command{
	Use:   "flux",
	Short: "flux interacts with a Flux instance's messaging core",
	Long:  `flux interacts with a Flux instance's messaging core: publish/subscribe to events, issue simple RPCs, run bulk subprocess execution, and translate JOBIDs between encodings.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			log.SetLevel(log.DebugLevel)
		} else {
			log.SetLevel(log.WarnLevel)
		}
		if !isatty.IsTerminal(os.Stdout.Fd()) {
			color.NoColor = true
		}
	},
}

func init() {
	RootCmd.PersistentFlags().StringVar(&handleURI, "uri", "", fmt.Sprintf("handle URI to connect to [$%s]", handle.URIEnvVar))
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "turn on debug logging")

	RootCmd.AddCommand(newCmdEvent())
	RootCmd.AddCommand(newCmdAttr())
	RootCmd.AddCommand(newCmdExec())
	RootCmd.AddCommand(newCmdJobid())
	RootCmd.AddCommand(newCmdAdmin())
	RootCmd.AddCommand(newCmdCompletion())
	RootCmd.AddCommand(newCmdVersion())
}

// openHandle opens the handle named by --uri, falling back to
// FLUX_URI, honouring FLUX_HANDLE_TRACE (spec §6 environment
// variables).
func openHandle() (*handle.Handle, error) {
	var flags handle.OpenFlags
	if os.Getenv(handle.TraceEnvVar) != "" {
		flags |= handle.Trace
	}
	return handle.Open(handleURI, flags)
}

// exitUsage prints err to stderr and exits 1, the CLI surface
// contract's usage/runtime-error code (spec §6).
func exitUsage(err error) {
	fmt.Fprintf(stderr, "%s %s\n", failStatus, err)
	os.Exit(1)
}
