package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/basket/modbridge/internal/config"
	"github.com/basket/modbridge/internal/ipc"
	"github.com/basket/modbridge/internal/protocol"
)

const clientTimeout = 30 * time.Second

func newConfiguredClient() (*ipc.Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	client := ipc.NewClient(cfg.SocketPath(), cfg.AuthToken)
	client.DialWait = time.Second
	return client, nil
}

// runCallCommand sends one raw JSON request and prints the raw response.
func runCallCommand(ctx context.Context, args []string, out io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: modbridge call '<json>'")
		return 2
	}
	client, err := newConfiguredClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	reqCtx, cancel := context.WithTimeout(ctx, clientTimeout)
	defer cancel()

	resp, err := client.Do(reqCtx, []byte(args[0]))
	if err != nil {
		fmt.Fprintf(os.Stderr, "call: %v\n", err)
		return 1
	}
	_, _ = out.Write(protocol.Encode(resp))
	if !resp.Success {
		return 1
	}
	return 0
}

func runPingCommand(ctx context.Context, args []string, out io.Writer) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: modbridge ping")
		return 2
	}
	start := time.Now()
	if _, code := simpleCall(ctx, protocol.CmdPing); code != 0 {
		return code
	}
	fmt.Fprintf(out, "pong (%dms)\n", time.Since(start).Milliseconds())
	return 0
}

func runStopCommand(ctx context.Context, args []string, out io.Writer) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: modbridge stop")
		return 2
	}
	if _, code := simpleCall(ctx, protocol.CmdStopServer); code != 0 {
		return code
	}
	fmt.Fprintln(out, "stopping")
	return 0
}

// runStatusCommand prints every live context as a table, or JSON with -json.
func runStatusCommand(ctx context.Context, args []string, out io.Writer) int {
	jsonOutput := false
	for _, arg := range args {
		switch arg {
		case "-json", "--json":
			jsonOutput = true
		default:
			fmt.Fprintln(os.Stderr, "usage: modbridge status [-json]")
			return 2
		}
	}
	resp, code := simpleCall(ctx, protocol.CmdListContexts)
	if code != 0 {
		return code
	}
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(resp.Contexts); err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			return 1
		}
		return 0
	}
	if len(resp.Contexts) == 0 {
		fmt.Fprintln(out, "no contexts")
		return 0
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CONTEXT\tMODULES\tINSTANCES")
	for _, c := range resp.Contexts {
		fmt.Fprintf(tw, "%s\t%d\t%d\n", c.ID, c.Modules, c.Instances)
	}
	_ = tw.Flush()
	return 0
}

func simpleCall(ctx context.Context, cmd string) (protocol.Response, int) {
	client, err := newConfiguredClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return protocol.Response{}, 1
	}
	reqCtx, cancel := context.WithTimeout(ctx, clientTimeout)
	defer cancel()

	resp, err := client.Call(reqCtx, protocol.Request{Cmd: cmd})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		return resp, 1
	}
	if !resp.Success {
		fmt.Fprintf(os.Stderr, "%s: %s (%s)\n", cmd, resp.Error, resp.Code)
		return resp, 1
	}
	return resp, 0
}
