package cmds

import (
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/ipfs-force-community/sophon-connect/types"
)

var SessionCmds = &cli.Command{
	Name:        "session",
	Usage:       "inspect and manage established sessions",
	Subcommands: []*cli.Command{listSessionCmd, disconnectCmd, switchChainCmd, supportedChainsCmd},
}

var listSessionCmd = &cli.Command{
	Name:  "list",
	Usage: "list sessions, of every account unless --account is given",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "account"},
	},
	Action: func(cctx *cli.Context) error {
		api, closer, err := NewConnectClient(cctx)
		if err != nil {
			return err
		}
		defer closer()

		var sessions []*types.Session
		if account := cctx.String("account"); account != "" {
			sessions, err = api.ListSessions(cctx.Context, account)
		} else {
			sessions, err = api.ListAllSessions(cctx.Context)
		}
		if err != nil {
			return err
		}
		return printJSON(sessions)
	},
}

var disconnectCmd = &cli.Command{
	Name:      "disconnect",
	ArgsUsage: "<account> <session-id>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 2 {
			return errors.New("expect account and session id")
		}
		api, closer, err := NewConnectClient(cctx)
		if err != nil {
			return err
		}
		defer closer()

		return api.Disconnect(cctx.Context, cctx.Args().Get(0), cctx.Args().Get(1))
	},
}

var switchChainCmd = &cli.Command{
	Name:      "switch-chain",
	ArgsUsage: "<account> <session-id> <chain-id>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 3 {
			return errors.New("expect account, session id and chain id")
		}
		chainID, err := parseChainID(cctx.Args().Get(2))
		if err != nil {
			return err
		}
		api, closer, err := NewConnectClient(cctx)
		if err != nil {
			return err
		}
		defer closer()

		session, err := api.SwitchChain(cctx.Context, cctx.Args().Get(0), cctx.Args().Get(1), chainID)
		if err != nil {
			return err
		}
		return printJSON(session)
	},
}

var supportedChainsCmd = &cli.Command{
	Name:  "chains",
	Usage: "list the chains sessions may use",
	Action: func(cctx *cli.Context) error {
		api, closer, err := NewConnectClient(cctx)
		if err != nil {
			return err
		}
		defer closer()

		chains, err := api.SupportedChains(cctx.Context)
		if err != nil {
			return err
		}
		return printJSON(chains)
	},
}
