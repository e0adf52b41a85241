package cmds

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/skip2/go-qrcode"
	"github.com/urfave/cli/v2"

	"github.com/ipfs-force-community/sophon-connect/types"
)

var PairingCmds = &cli.Command{
	Name:        "pairing",
	Usage:       "pair with a dapp and inspect the scan state",
	Subcommands: []*cli.Command{pairCmd, scanStateCmd, dismissScanErrorCmd, qrcodeCmd, listenUICmd},
}

var pairCmd = &cli.Command{
	Name:      "pair",
	Usage:     "pair with the dapp behind a wc: uri",
	ArgsUsage: "<uri>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return errors.New("expect a wc: uri")
		}
		api, closer, err := NewConnectClient(cctx)
		if err != nil {
			return err
		}
		defer closer()

		if err := api.Pair(cctx.Context, cctx.Args().First()); err != nil {
			return err
		}
		fmt.Println("pairing started, check `pending show` for the proposal")
		return nil
	},
}

var scanStateCmd = &cli.Command{
	Name:  "state",
	Usage: "show whether a pairing is in flight or failed",
	Action: func(cctx *cli.Context) error {
		api, closer, err := NewConnectClient(cctx)
		if err != nil {
			return err
		}
		defer closer()

		state, err := api.ScanState(cctx.Context)
		if err != nil {
			return err
		}
		return printJSON(state)
	},
}

var dismissScanErrorCmd = &cli.Command{
	Name:  "dismiss-error",
	Usage: "clear a failed scan so a new pairing can start",
	Action: func(cctx *cli.Context) error {
		api, closer, err := NewConnectClient(cctx)
		if err != nil {
			return err
		}
		defer closer()

		return api.DismissScanError(cctx.Context)
	},
}

var qrcodeCmd = &cli.Command{
	Name:      "qrcode",
	Usage:     "render a wc: uri as a qr code, to the terminal or a png file",
	ArgsUsage: "<uri>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "png file to write"},
		&cli.IntFlag{Name: "size", Value: 256, Usage: "png size in pixels"},
	},
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return errors.New("expect a wc: uri")
		}
		uri := cctx.Args().First()
		if _, err := types.ParseURI(uri); err != nil {
			return err
		}

		if out := cctx.String("output"); out != "" {
			return qrcode.WriteFile(uri, qrcode.Medium, cctx.Int("size"), out)
		}
		code, err := qrcode.New(uri, qrcode.Medium)
		if err != nil {
			return err
		}
		fmt.Println(code.ToString(false))
		return nil
	},
}

var listenUICmd = &cli.Command{
	Name:  "listen",
	Usage: "print ui events until interrupted",
	Action: func(cctx *cli.Context) error {
		api, closer, err := NewConnectClient(cctx)
		if err != nil {
			return err
		}
		defer closer()

		events, err := api.ListenUIEvent(cctx.Context)
		if err != nil {
			return err
		}
		for event := range events {
			if err := printJSON(event); err != nil {
				return err
			}
		}
		return nil
	},
}
