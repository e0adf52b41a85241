package cmds

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

var PendingCmds = &cli.Command{
	Name:        "pending",
	Usage:       "handle session proposals",
	Subcommands: []*cli.Command{showPendingCmd, listPendingCmd, approvePendingCmd, rejectPendingCmd, dismissPendingCmd},
}

var showPendingCmd = &cli.Command{
	Name:  "show",
	Usage: "show the proposal waiting for a decision",
	Action: func(cctx *cli.Context) error {
		api, closer, err := NewConnectClient(cctx)
		if err != nil {
			return err
		}
		defer closer()

		pending, err := api.PendingSession(cctx.Context)
		if err != nil {
			return err
		}
		if pending == nil {
			fmt.Println("no pending session")
			return nil
		}
		return printJSON(pending)
	},
}

var listPendingCmd = &cli.Command{
	Name:  "list",
	Usage: "list tracked proposals, settled ones included until dismissed",
	Action: func(cctx *cli.Context) error {
		api, closer, err := NewConnectClient(cctx)
		if err != nil {
			return err
		}
		defer closer()

		pendings, err := api.ListPendingSessions(cctx.Context)
		if err != nil {
			return err
		}
		return printJSON(pendings)
	},
}

var approvePendingCmd = &cli.Command{
	Name:      "approve",
	ArgsUsage: "<id>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "account", Usage: "account exposed to the dapp, defaults to the active account"},
		&cli.Uint64Flag{Name: "chain", Usage: "chain id, defaults to the first chain the dapp asked for"},
	},
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return errors.New("expect a pending id")
		}
		api, closer, err := NewConnectClient(cctx)
		if err != nil {
			return err
		}
		defer closer()

		session, err := api.ApprovePending(cctx.Context, cctx.Args().First(), cctx.String("account"), cctx.Uint64("chain"))
		if err != nil {
			return err
		}
		return printJSON(session)
	},
}

var rejectPendingCmd = &cli.Command{
	Name:      "reject",
	ArgsUsage: "<id>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return errors.New("expect a pending id")
		}
		api, closer, err := NewConnectClient(cctx)
		if err != nil {
			return err
		}
		defer closer()

		return api.RejectPending(cctx.Context, cctx.Args().First())
	},
}

var dismissPendingCmd = &cli.Command{
	Name:      "dismiss",
	Usage:     "forget a settled proposal",
	ArgsUsage: "<id>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return errors.New("expect a pending id")
		}
		api, closer, err := NewConnectClient(cctx)
		if err != nil {
			return err
		}
		defer closer()

		return api.DismissPending(cctx.Context, cctx.Args().First())
	},
}
