package cmd

import (
	"fmt"
	"time"

	"github.com/flux-framework/flux-go/pkg/connector"
	"github.com/flux-framework/flux-go/pkg/message"
	"github.com/spf13/cobra"
)

func newCmdEvent() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "event",
		Short: "Publish or subscribe to events",
	}
	cmd.AddCommand(newCmdEventPub())
	cmd.AddCommand(newCmdEventSub())
	return cmd
}

func newCmdEventPub() *cobra.Command {
	return &cobra.Command{
		Use:   "pub NAME [PAYLOAD]",
		Short: "Publish an event",
		Args:  cobra.RangeArgs(1, 2),
		Run: func(cmd *cobra.Command, args []string) {
			h, err := openHandle()
			if err != nil {
				exitUsage(err)
			}
			defer h.Close()

			var payload []byte
			if len(args) == 2 {
				payload = []byte(args[1])
			}
			m, err := message.Encode(message.Event, args[0], payload)
			if err != nil {
				exitUsage(err)
			}
			if err := h.Send(m); err != nil {
				exitUsage(err)
			}
		},
	}
}

func newCmdEventSub() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "sub PREFIX",
		Short: "Subscribe to events matching a topic prefix",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			prefix := args[0]
			h, err := openHandle()
			if err != nil {
				exitUsage(err)
			}
			defer h.Close()

			if err := h.EventSubscribe(prefix); err != nil {
				exitUsage(err)
			}
			defer func() {
				if err := h.EventUnsubscribe(prefix); err != nil {
					fmt.Fprintf(stderr, "%s unsubscribe %q: %v\n", warnStatus, prefix, err)
				}
			}()

			for n := 0; count <= 0 || n < count; n++ {
				m, err := h.Recv(connector.MatchSpec{Kind: message.Event, TopicGlob: prefix + "*"})
				if err != nil {
					exitUsage(err)
				}
				payload, _ := m.Payload()
				fmt.Fprintf(stdout, "%s\t%s\t%s\n", time.Now().Format(time.RFC3339), m.Topic(), payload)
			}
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 0, "exit after receiving this many events (0 = forever)")
	return cmd
}
