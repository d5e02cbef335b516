package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/wippyai/caprpc/rpc"
	"github.com/wippyai/caprpc/rpc/transport"
	"github.com/wippyai/caprpc/server"
	"github.com/wippyai/caprpc/wasmcap"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:      "serve",
		Usage:     "offer a wasm guest as the bootstrap capability of every accepted connection",
		ArgsUsage: "<module.wasm>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Value: "127.0.0.1:4040", Usage: "TCP address to accept connections on"},
			&cli.UintFlag{Name: "memory-pages", Usage: "guest memory limit in 64KiB pages (0: runtime default)"},
		},
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("serve needs exactly one wasm module", 2)
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	log, err := cfg.Logger()
	if err != nil {
		return err
	}
	defer log.Sync()
	rpc.SetLogger(log)
	server.SetLogger(log)
	wasmcap.SetLogger(log)

	wasm, err := os.ReadFile(c.Args().First())
	if err != nil {
		return fmt.Errorf("read module: %w", err)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
	defer stop()

	mod, err := wasmcap.Load(ctx, wasm, &wasmcap.Options{
		Name:             c.Args().First(),
		MemoryLimitPages: uint32(c.Uint("memory-pages")),
		Limits:           cfg.Limits(),
	})
	if err != nil {
		return err
	}
	defer mod.Close(context.Background())

	ln, err := net.Listen("tcp", c.String("listen"))
	if err != nil {
		return err
	}
	log.Info("serving", zap.String("addr", ln.Addr().String()))
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	return serve(ctx, ln, mod, cfg.ConnOptions(log), cfg.Decode.MaxFrameSize)
}

// serve accepts connections until ln is closed. Each connection gets its
// own reference to the guest.
func serve(ctx context.Context, ln net.Listener, mod *wasmcap.Module, opts *rpc.Options, maxFrame uint64) error {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		o := *opts
		o.BootstrapClient = mod.Client()
		conn := rpc.NewConn(transport.NewStream(nc, maxFrame), &o)
		go func() {
			select {
			case <-conn.Done():
			case <-ctx.Done():
				conn.Close()
			}
		}()
	}
}
