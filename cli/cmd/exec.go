package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/flux-framework/flux-go/pkg/bulkexec"
	"github.com/flux-framework/flux-go/pkg/errno"
	"github.com/flux-framework/flux-go/pkg/future"
	"github.com/flux-framework/flux-go/pkg/rpc"
	"github.com/spf13/cobra"
)

// rexecFrame is the streaming response payload a rexec service emits
// for one rank: either an output chunk, a stdin credit grant, or the
// terminal exit record.
type rexecFrame struct {
	Stream   string `json:"stream"`
	Data     []byte `json:"data,omitempty"`
	Credit   int    `json:"credit,omitempty"`
	Code     int    `json:"code,omitempty"`
	Signaled bool   `json:"signaled,omitempty"`
}

func newCmdExec() *cobra.Command {
	var ranksFlag string
	var service string
	var imp bool

	cmd := &cobra.Command{
		Use:   "exec -r RANKS -- CMD [ARGS...]",
		Short: "Run a command across a set of ranks via bulk rexec",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ranks, err := parseRanks(ranksFlag)
			if err != nil {
				exitUsage(err)
			}

			h, err := openHandle()
			if err != nil {
				exitUsage(err)
			}
			defer h.Close()

			ex := bulkexec.New(service, ranks, bulkexec.Cmd{Argv: args}, nil, bulkexec.Ops{
				OnOutput: func(rank int, stream string, data []byte) {
					w := stdout
					if stream == "stderr" {
						w = stderr
					}
					fmt.Fprintf(w, "%d: %s", rank, data)
				},
			}, imp)

			var wg sync.WaitGroup
			for _, rank := range ranks {
				rank := rank
				wg.Add(1)
				f, err := h.RPC().Call(ex.RexecTopic(), rexecStartPayload(rank, args), rpc.Nodeid(rank), rpc.Streaming)
				if err != nil {
					ex.SetError(rank, err)
					wg.Done()
					continue
				}
				driveRexecStream(ex, rank, f, &wg)
			}
			wg.Wait()

			os.Exit(ex.AggregateExitCode())
		},
	}

	cmd.Flags().StringVarP(&ranksFlag, "ranks", "r", "0", "comma-separated ranks and ranges, e.g. 0-3,7")
	cmd.Flags().StringVar(&service, "service", "rexec", "rexec service topic prefix")
	cmd.Flags().BoolVar(&imp, "imp", false, "this process is running under the IMP (remaps SIGKILL to SIGUSR1)")
	return cmd
}

func rexecStartPayload(rank int, argv []string) []byte {
	b, _ := json.Marshal(struct {
		Rank int      `json:"rank"`
		Argv []string `json:"argv"`
	}{rank, argv})
	return b
}

// driveRexecStream arms successive Then continuations on f, feeding
// each streamed frame into ex until the rank's terminal frame (or an
// rpc-level ENODATA/error) arrives, matching the streaming-future
// contract: a consumer must re-arm Then before the next delivery
// rather than poll Get after the fact.
func driveRexecStream(ex *bulkexec.Exec, rank int, f *future.Future, wg *sync.WaitGroup) {
	var onNext func(*future.Future)
	onNext = func(fut *future.Future) {
		v, err := fut.Get(0)
		if err != nil {
			if !errno.Is(err, errno.NoData) {
				ex.SetError(rank, err)
			}
			wg.Done()
			return
		}

		var frame rexecFrame
		if jerr := json.Unmarshal(v.([]byte), &frame); jerr != nil {
			ex.SetError(rank, jerr)
			wg.Done()
			return
		}

		switch frame.Stream {
		case "exit":
			ex.SetExit(rank, frame.Code, frame.Signaled)
			wg.Done()
			return
		case "credit":
			ex.OnCredit(rank, frame.Stream, frame.Credit)
		default:
			ex.OnOutput(rank, frame.Stream, frame.Data)
		}
		fut.Then(onNext)
	}
	f.Then(onNext)
}

func parseRanks(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			loN, err := strconv.Atoi(lo)
			if err != nil {
				return nil, errno.New(errno.InvalidArg, "bad rank range %q", part)
			}
			hiN, err := strconv.Atoi(hi)
			if err != nil {
				return nil, errno.New(errno.InvalidArg, "bad rank range %q", part)
			}
			for r := loN; r <= hiN; r++ {
				out = append(out, r)
			}
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, errno.New(errno.InvalidArg, "bad rank %q", part)
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, errno.New(errno.InvalidArg, "no ranks given")
	}
	return out, nil
}
