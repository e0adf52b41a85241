package cmds

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

var RequestCmds = &cli.Command{
	Name:        "request",
	Usage:       "answer dapp requests",
	Subcommands: []*cli.Command{showRequestCmd, approveRequestCmd, rejectRequestCmd, dismissRequestCmd},
}

var showRequestCmd = &cli.Command{
	Name:  "show",
	Usage: "show the request waiting for a decision",
	Action: func(cctx *cli.Context) error {
		api, closer, err := NewConnectClient(cctx)
		if err != nil {
			return err
		}
		defer closer()

		req, err := api.CurrentRequest(cctx.Context)
		if err != nil {
			return err
		}
		if req == nil {
			fmt.Println("no request")
			return nil
		}
		return printJSON(req)
	},
}

var approveRequestCmd = &cli.Command{
	Name:      "approve",
	Usage:     "sign the current request and send the result to the dapp",
	ArgsUsage: "<id>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return errors.New("expect a request id")
		}
		api, closer, err := NewConnectClient(cctx)
		if err != nil {
			return err
		}
		defer closer()

		result, err := api.ApproveRequest(cctx.Context, cctx.Args().First())
		if err != nil {
			return err
		}
		fmt.Println(result)
		return nil
	},
}

var rejectRequestCmd = &cli.Command{
	Name:      "reject",
	ArgsUsage: "<id>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return errors.New("expect a request id")
		}
		api, closer, err := NewConnectClient(cctx)
		if err != nil {
			return err
		}
		defer closer()

		return api.RejectRequest(cctx.Context, cctx.Args().First())
	},
}

var dismissRequestCmd = &cli.Command{
	Name:      "dismiss",
	Usage:     "drop the current request without answering the dapp",
	ArgsUsage: "<id>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return errors.New("expect a request id")
		}
		api, closer, err := NewConnectClient(cctx)
		if err != nil {
			return err
		}
		defer closer()

		return api.DismissRequest(cctx.Context, cctx.Args().First())
	},
}
