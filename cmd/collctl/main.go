// Command collctl drives a simulated, all-in-one-process N-rank cluster
// through barrier/all-reduce/broadcast operations, for manual
// exercise of the engine without a real cluster.
//
// Command surface modeled on aistore's CLI use of github.com/urfave/cli:
// one cli.Command per verb, flags parsed off *cli.Context, errors
// returned rather than os.Exit'd inline.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/urfave/cli"

	"github.com/NVIDIA/aiscoll/aiscollcfg"
	"github.com/NVIDIA/aiscoll/coll"
	"github.com/NVIDIA/aiscoll/internal/nlog"
	"github.com/NVIDIA/aiscoll/reduceop"
	"github.com/NVIDIA/aiscoll/xport"
)

var (
	ranksFlag = cli.IntFlag{Name: "ranks, n", Value: 4, Usage: "number of simulated ranks"}
	verbFlag  = cli.IntFlag{Name: "verbose, V", Value: 0, Usage: "log verbosity"}
)

func main() {
	app := cli.NewApp()
	app.Name = "collctl"
	app.Usage = "exercise the collective engine against a simulated in-memory cluster"
	app.Commands = []cli.Command{
		{
			Name:  "barrier",
			Usage: "run a barrier over the world group on every simulated rank",
			Flags: []cli.Flag{ranksFlag, verbFlag},
			Action: func(c *cli.Context) error {
				return withCluster(c, func(eps []*coll.Endpoint) error {
					return runOnAll(eps, func(ep *coll.Endpoint) error {
						return coll.Barrier(ep, ep.WorldAddr(), nil)
					})
				})
			},
		},
		{
			Name:  "allreduce",
			Usage: "run a SUM all-reduce of rank indices over the world group",
			Flags: []cli.Flag{ranksFlag, verbFlag},
			Action: func(c *cli.Context) error {
				return withCluster(c, func(eps []*coll.Endpoint) error {
					results := make([]int32, len(eps))
					err := runOnAllIndexed(eps, func(i int, ep *coll.Endpoint) error {
						send := make([]byte, 4)
						recv := make([]byte, 4)
						putI32(send, int32(i))
						if err := coll.AllReduce(ep, ep.WorldAddr(), send, recv, 1, reduceop.I32, reduceop.SUM, nil); err != nil {
							return err
						}
						results[i] = getI32(recv)
						return nil
					})
					if err != nil {
						return err
					}
					want := int32(len(eps) * (len(eps) - 1) / 2)
					for i, got := range results {
						if got != want {
							return fmt.Errorf("rank %d: all-reduce sum mismatch: got %d want %d", i, got, want)
						}
					}
					fmt.Fprintf(os.Stdout, "all-reduce SUM agreed at %d across %d ranks\n", want, len(eps))
					return nil
				})
			},
		},
		{
			Name:  "broadcast",
			Usage: "broadcast a value from root to every other simulated rank",
			Flags: []cli.Flag{ranksFlag, verbFlag, cli.IntFlag{Name: "root", Value: 0}, cli.IntFlag{Name: "value", Value: 42}},
			Action: func(c *cli.Context) error {
				root := c.Int("root")
				value := int32(c.Int("value"))
				return withCluster(c, func(eps []*coll.Endpoint) error {
					bufs := make([][]byte, len(eps))
					err := runOnAllIndexed(eps, func(i int, ep *coll.Endpoint) error {
						buf := make([]byte, 4)
						if i == root {
							putI32(buf, value)
						}
						if err := coll.Broadcast(ep, ep.WorldAddr(), buf, 1, reduceop.I32, root, nil); err != nil {
							return err
						}
						bufs[i] = buf
						return nil
					})
					if err != nil {
						return err
					}
					for i, b := range bufs {
						if got := getI32(b); got != value {
							return fmt.Errorf("rank %d: broadcast mismatch: got %d want %d", i, got, value)
						}
					}
					fmt.Fprintf(os.Stdout, "broadcast of %d from root %d reached all %d ranks\n", value, root, len(eps))
					return nil
				})
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "collctl:", err)
		os.Exit(1)
	}
}

// withCluster builds a simulated N-rank cluster wired over an in-memory
// mesh transport and runs fn.
func withCluster(c *cli.Context, fn func(eps []*coll.Endpoint) error) error {
	nlog.SetVerbosity(c.Int("verbose"))
	n := c.Int("ranks")
	if n < 1 {
		return cli.NewExitError("ranks must be >= 1", 1)
	}
	cfg := aiscollcfg.Get()
	if err := cfg.Validate(); err != nil {
		return err
	}

	mesh := xport.NewMesh()
	addrs := make([]xport.Addr, n)
	for i := 0; i < n; i++ {
		addrs[i] = xport.RankAddr(i)
	}

	eps := make([]*coll.Endpoint, n)
	for i := 0; i < n; i++ {
		av := &xport.SliceAddressVector{Addrs: addrs, Self: i}
		ep, err := coll.NewEndpoint("rank-"+strconv.Itoa(i), av, nil, nil, nil)
		if err != nil {
			return err
		}
		transport := mesh.NewEndpoint(i, makeCompletionFn(ep))
		ep.Transport = transport
		ep.Engine.Transport = transport
		eps[i] = ep
	}
	return fn(eps)
}

func makeCompletionFn(ep *coll.Endpoint) xport.CompletionFn {
	return func(tag xport.Tag, groupCtx any) {
		ep.Dispatcher.HandleCompletion(tag, groupCtx)
	}
}

// runOnAll invokes fn once per endpoint on its own goroutine and waits for
// all of them -- a collective call blocks its caller until its local
// schedule retires, so every rank's call must run concurrently for the
// in-memory mesh to actually exchange anything.
func runOnAll(eps []*coll.Endpoint, fn func(ep *coll.Endpoint) error) error {
	return runOnAllIndexed(eps, func(_ int, ep *coll.Endpoint) error { return fn(ep) })
}

func runOnAllIndexed(eps []*coll.Endpoint, fn func(i int, ep *coll.Endpoint) error) error {
	errCh := make(chan error, len(eps))
	for i, ep := range eps {
		i, ep := i, ep
		go func() { errCh <- fn(i, ep) }()
	}
	var errs []string
	for range eps {
		if err := <-errCh; err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d of %d ranks failed: %s", len(errs), len(eps), strings.Join(errs, "; "))
	}
	return nil
}

func putI32(b []byte, v int32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getI32(b []byte) int32 {
	return int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16 | int32(b[3])<<24
}
