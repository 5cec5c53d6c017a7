package cmd

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var completionExample = `  # bash
  source <(flux completion bash)

  # zsh
  source <(flux completion zsh)`

func newCmdCompletion() *cobra.Command {
	return &cobra.Command{
		Use:       "completion [bash|zsh]",
		Short:     "Shell completion",
		Long:      "Output completion code for the specified shell (bash or zsh).",
		Example:   completionExample,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"bash", "zsh"},
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := getCompletion(args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(stdout, out)
			return nil
		},
	}
}

func getCompletion(sh string) (string, error) {
	var err error
	var buf bytes.Buffer

	switch sh {
	case "bash":
		err = RootCmd.GenBashCompletion(&buf)
	case "zsh":
		err = RootCmd.GenZshCompletion(&buf)
	default:
		err = errors.New("unsupported shell type (must be bash or zsh): " + sh)
	}

	if err != nil {
		return "", err
	}

	return buf.String(), nil
}
