package cmds

import (
	"fmt"

	"github.com/filecoin-project/go-jsonrpc/auth"
	"github.com/urfave/cli/v2"

	"github.com/ipfs-force-community/sophon-connect/config"
	"github.com/ipfs-force-community/sophon-connect/utils"
)

var TokenCmd = &cli.Command{
	Name:  "token",
	Usage: "issue a token signed with the repo secret",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "name", Required: true, Usage: "holder name, a remote signer registers under it"},
		&cli.StringFlag{Name: "perm", Value: string(utils.PermRead), Usage: "read, write, sign or admin"},
	},
	Action: func(cctx *cli.Context) error {
		repo, err := config.ExpandRepo(cctx.String("repo"))
		if err != nil {
			return err
		}
		local, err := utils.NewLocalJwtClient(repo)
		if err != nil {
			return err
		}
		token, err := local.NewToken(cctx.String("name"), auth.Permission(cctx.String("perm")))
		if err != nil {
			return err
		}
		fmt.Println(string(token))
		return nil
	},
}
