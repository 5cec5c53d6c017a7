package cmd

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/flux-framework/flux-go/pkg/admin"
	"github.com/flux-framework/flux-go/pkg/metrics"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newCmdAdmin() *cobra.Command {
	var addr string
	var enablePprof bool

	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Serve /metrics, /ping, /ready for this handle's dispatcher and RPC context",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			h, err := openHandle()
			if err != nil {
				exitUsage(err)
			}
			defer h.Close()

			reg := metrics.New()
			if err := reg.RegisterDispatcher(h.Dispatcher()); err != nil {
				exitUsage(err)
			}
			if err := reg.RegisterRPC(h.RPC()); err != nil {
				exitUsage(err)
			}

			srv := admin.NewServer(addr, reg.Gatherer(), enablePprof)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				srv.Close()
			}()

			fmt.Fprintf(stdout, "%s serving admin endpoints on %s\n", okStatus, addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("admin server exited")
				os.Exit(1)
			}
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8732", "address to serve admin endpoints on")
	cmd.Flags().BoolVar(&enablePprof, "pprof", false, "enable /debug/pprof endpoints")
	return cmd
}
