package main

import (
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/wippyai/caprpc/config"
	"github.com/wippyai/caprpc/internal/dump"
	"github.com/wippyai/caprpc/wire"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "capdump",
		Usage: "inspect and serve framed capability messages",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to " + config.FileName + " (default: searched upward from the working directory)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "dump",
				Usage:     "print every message of a stream as a tree",
				ArgsUsage: "[file|-]",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "cbor", Usage: "write canonical CBOR instead of text"},
				},
				Action: dumpAction,
			},
			{
				Name:      "segments",
				Usage:     "print the segment table of every message",
				ArgsUsage: "[file|-]",
				Action:    segmentsAction,
			},
			{
				Name:      "inspect",
				Usage:     "browse the messages of a stream interactively",
				ArgsUsage: "[file|-]",
				Action:    inspectAction,
			},
			serveCommand(),
		},
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	if p := c.String("config"); p != "" {
		return config.Load(p)
	}
	return config.Find(".")
}

// eachMessage decodes the framed messages of the command's input in order.
func eachMessage(c *cli.Context, fn func(i int, msg *wire.Message) error) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	var r io.Reader = os.Stdin
	if name := c.Args().First(); name != "" && name != "-" {
		f, err := os.Open(name)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		r = f
	}

	dec := wire.NewDecoder(r)
	dec.MaxMessageSize = cfg.Decode.MaxFrameSize
	dec.Limits = cfg.Limits()
	for i := 0; ; i++ {
		msg, err := dec.Decode()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
		err = fn(i, msg)
		msg.Release()
		if err != nil {
			return err
		}
	}
}

func dumpAction(c *cli.Context) error {
	w := c.App.Writer
	asCBOR := c.Bool("cbor")
	return eachMessage(c, func(i int, msg *wire.Message) error {
		n, err := dump.Walk(msg)
		if err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
		if asCBOR {
			b, err := dump.CBOR(n)
			if err != nil {
				return err
			}
			_, err = w.Write(b)
			return err
		}
		fmt.Fprintf(w, "# message %d\n", i)
		return dump.Write(w, n)
	})
}

func segmentsAction(c *cli.Context) error {
	w := c.App.Writer
	return eachMessage(c, func(i int, msg *wire.Message) error {
		segs, err := dump.Segments(msg)
		if err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
		total := 0
		for _, s := range segs {
			total += s.Words
		}
		fmt.Fprintf(w, "message %d: %d segments, %d words\n", i, len(segs), total)
		for _, s := range segs {
			fmt.Fprintf(w, "  segment %d: %d words\n", s.ID, s.Words)
		}
		return nil
	})
}
