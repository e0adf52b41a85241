package cmds

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/ipfs-force-community/sophon-connect/signer"
)

var SignerCmds = &cli.Command{
	Name:        "signer",
	Usage:       "remote signer cmds",
	Subcommands: []*cli.Command{listSignersCmd, runSignerCmd},
}

var listSignersCmd = &cli.Command{
	Name:  "list",
	Usage: "list the remote signers connected to the daemon",
	Action: func(cctx *cli.Context) error {
		api, closer, err := NewConnectClient(cctx)
		if err != nil {
			return err
		}
		defer closer()

		signers, err := api.ListSigners(cctx.Context)
		if err != nil {
			return err
		}
		return printJSON(signers)
	},
}

var runSignerCmd = &cli.Command{
	Name:  "run",
	Usage: "serve the keys of a key file to a daemon running in remote signer mode",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "key-file", Required: true, Usage: "one hex private key, or an encrypted key json, per line"},
		&cli.StringFlag{Name: "password", EnvVars: []string{"SOPHON_CONNECT_KEY_PASSWORD"}},
		&cli.StringSliceFlag{Name: "rpc", Usage: "chain-id=url of the node transactions are sent to"},
	},
	Action: func(cctx *cli.Context) error {
		rpcURLs := make(map[uint64]string)
		for _, kv := range cctx.StringSlice("rpc") {
			chain, url, ok := strings.Cut(kv, "=")
			if !ok {
				return errors.Errorf("rpc %q is not chain-id=url", kv)
			}
			chainID, err := parseChainID(chain)
			if err != nil {
				return err
			}
			rpcURLs[chainID] = url
		}

		log := logging.Logger("signer_client").With()
		local := signer.NewLocalSigner(rpcURLs, log)
		accounts, err := local.LoadKeyFile(cctx.String("key-file"), cctx.String("password"))
		if err != nil {
			return err
		}
		log.Infof("serving %d accounts", len(accounts))

		api, closer, err := NewConnectClient(cctx)
		if err != nil {
			return err
		}
		defer closer()

		ctx, cancel := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
		defer cancel()

		client := signer.NewSignerEventClient(local, api, log)
		go func() {
			client.WaitReady(ctx)
			if ctx.Err() == nil {
				log.Info("signer registered")
			}
		}()
		client.ListenSignerRequest(ctx)
		return nil
	},
}
