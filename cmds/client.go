package cmds

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/filecoin-project/go-jsonrpc"
	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/ipfs-force-community/sophon-connect/api"
	"github.com/ipfs-force-community/sophon-connect/config"
	"github.com/ipfs-force-community/sophon-connect/utils"
)

// NewConnectClient dials the daemon named by --listen, or by the repo config, with the repo token.
func NewConnectClient(cctx *cli.Context) (*api.ConnectStruct, jsonrpc.ClientCloser, error) {
	repo, err := config.ExpandRepo(cctx.String("repo"))
	if err != nil {
		return nil, nil, err
	}

	listen := cctx.String("listen")
	if listen == "" {
		cfg, err := config.ReadConfig(filepath.Join(repo, config.ConfigFile))
		if err != nil {
			return nil, nil, errors.Wrap(err, "read config, is the daemon initialized")
		}
		listen = cfg.API.ListenAddress
	}
	addr, err := DialArgs(listen)
	if err != nil {
		return nil, nil, err
	}

	token, err := os.ReadFile(filepath.Join(repo, utils.TokenFile))
	if err != nil {
		return nil, nil, err
	}
	header := http.Header{}
	header.Add("Authorization", "Bearer "+strings.TrimSpace(string(token)))

	return api.NewConnectClient(cctx.Context, addr, header)
}

func DialArgs(addr string) (string, error) {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err == nil {
		_, addr, err := manet.DialArgs(ma)
		if err != nil {
			return "", err
		}

		return "ws://" + addr + "/rpc/v0", nil
	}

	_, err = url.Parse(addr)
	if err != nil {
		return "", err
	}
	return addr + "/rpc/v0", nil
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, " ", "\t")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
