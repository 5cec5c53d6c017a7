package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/flux-framework/flux-go/pkg/errno"
	"github.com/flux-framework/flux-go/pkg/rpc"
	"github.com/spf13/cobra"
)

const attrRPCTimeout = 30 * time.Second

func newCmdAttr() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attr",
		Short: "Get or set a broker attribute via RPC",
	}
	cmd.AddCommand(newCmdAttrGet())
	cmd.AddCommand(newCmdAttrSet())
	return cmd
}

type attrGetRequest struct {
	Name string `json:"name"`
}

type attrGetResponse struct {
	Value string `json:"value"`
}

func newCmdAttrGet() *cobra.Command {
	return &cobra.Command{
		Use:   "get NAME",
		Short: "Print the value of a broker attribute",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			h, err := openHandle()
			if err != nil {
				exitUsage(err)
			}
			defer h.Close()

			payload, err := json.Marshal(attrGetRequest{Name: args[0]})
			if err != nil {
				exitUsage(err)
			}
			f, err := h.RPC().Call("attr.get", payload, rpc.Any, 0)
			if err != nil {
				exitUsage(err)
			}
			v, err := f.Get(attrRPCTimeout)
			if err != nil {
				if errno.Is(err, errno.NoEnt) {
					fmt.Fprintf(stderr, "%s %s: not found\n", failStatus, args[0])
					os.Exit(1)
				}
				exitUsage(err)
			}
			var resp attrGetResponse
			if err := json.Unmarshal(v.([]byte), &resp); err != nil {
				exitUsage(err)
			}
			fmt.Fprintln(stdout, resp.Value)
		},
	}
}

type attrSetRequest struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func newCmdAttrSet() *cobra.Command {
	return &cobra.Command{
		Use:   "set NAME VALUE",
		Short: "Set a broker attribute",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			h, err := openHandle()
			if err != nil {
				exitUsage(err)
			}
			defer h.Close()

			payload, err := json.Marshal(attrSetRequest{Name: args[0], Value: args[1]})
			if err != nil {
				exitUsage(err)
			}
			f, err := h.RPC().Call("attr.set", payload, rpc.Any, 0)
			if err != nil {
				exitUsage(err)
			}
			if _, err := f.Get(attrRPCTimeout); err != nil {
				exitUsage(err)
			}
		},
	}
}
