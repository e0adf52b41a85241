package cmds

import (
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

var AccountCmds = &cli.Command{
	Name:        "account",
	Usage:       "account level operations",
	Subcommands: []*cli.Command{activeAccountCmd, switchAccountCmd, removeAccountCmd},
}

var activeAccountCmd = &cli.Command{
	Name:  "active",
	Usage: "print the account proposals are approved for by default",
	Action: func(cctx *cli.Context) error {
		api, closer, err := NewConnectClient(cctx)
		if err != nil {
			return err
		}
		defer closer()

		account, err := api.ActiveAccount(cctx.Context)
		if err != nil {
			return err
		}
		fmt.Println(account)
		return nil
	},
}

var switchAccountCmd = &cli.Command{
	Name:      "switch",
	ArgsUsage: "<account>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return errors.New("expect an account")
		}
		api, closer, err := NewConnectClient(cctx)
		if err != nil {
			return err
		}
		defer closer()

		return api.SwitchAccount(cctx.Context, cctx.Args().First())
	},
}

var removeAccountCmd = &cli.Command{
	Name:      "remove",
	Usage:     "disconnect every session of the account and forget it",
	ArgsUsage: "<account>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return errors.New("expect an account")
		}
		api, closer, err := NewConnectClient(cctx)
		if err != nil {
			return err
		}
		defer closer()

		return api.RemoveAccount(cctx.Context, cctx.Args().First())
	},
}

func parseChainID(s string) (uint64, error) {
	chainID, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parse chain id %q", s)
	}
	return chainID, nil
}
