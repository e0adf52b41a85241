package signer

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ipfs-force-community/sophon-connect/types"
)

type signerChannelInfo struct {
	*types.ChannelInfo
	accounts map[string]string // lower case -> checksummed
}

func newSignerChannelInfo(channel *types.ChannelInfo, accounts []string) *signerChannelInfo {
	info := &signerChannelInfo{ChannelInfo: channel, accounts: make(map[string]string)}
	for _, account := range accounts {
		info.accounts[strings.ToLower(account)] = account
	}
	return info
}

type signerInfo struct {
	name        string
	connections map[uuid.UUID]*signerChannelInfo
}

type signerConnMgr struct {
	infoLk  sync.Mutex
	signers map[string]*signerInfo
}

func newSignerConnMgr() *signerConnMgr {
	return &signerConnMgr{
		infoLk:  sync.Mutex{},
		signers: make(map[string]*signerInfo),
	}
}

func (s *signerConnMgr) addNewConn(name string, channel *signerChannelInfo) {
	s.infoLk.Lock()
	defer s.infoLk.Unlock()

	info, ok := s.signers[name]
	if !ok {
		info = &signerInfo{name: name, connections: make(map[uuid.UUID]*signerChannelInfo)}
		s.signers[name] = info
	}
	info.connections[channel.ChannelId] = channel
	log.Infow("add signer connection", "channel", channel.ChannelId.String(), "signer", name, "accounts", len(channel.accounts))
}

func (s *signerConnMgr) removeConn(name string, channel *signerChannelInfo) {
	s.infoLk.Lock()
	defer s.infoLk.Unlock()

	if info, ok := s.signers[name]; ok {
		delete(info.connections, channel.ChannelId)
		if len(info.connections) == 0 {
			delete(s.signers, name)
		}
	}
	log.Infof("signer %s remove connection %s", name, channel.ChannelId)
}

// getChannels returns every live connection able to sign for account, oldest first.
func (s *signerConnMgr) getChannels(account string) ([]*types.ChannelInfo, error) {
	s.infoLk.Lock()
	defer s.infoLk.Unlock()

	key := strings.ToLower(account)
	var channels []*types.ChannelInfo
	for _, info := range s.signers {
		for _, conn := range info.connections {
			if _, ok := conn.accounts[key]; ok && !conn.Closed() {
				channels = append(channels, conn.ChannelInfo)
			}
		}
	}
	if len(channels) == 0 {
		return nil, fmt.Errorf("no signer connected for account %s", account)
	}
	sort.Slice(channels, func(i, j int) bool {
		return channels[i].CreateTime.Before(channels[j].CreateTime)
	})
	return channels, nil
}

func (s *signerConnMgr) accounts() []string {
	s.infoLk.Lock()
	defer s.infoLk.Unlock()

	seen := make(map[string]string)
	for _, info := range s.signers {
		for _, conn := range info.connections {
			for k, v := range conn.accounts {
				seen[k] = v
			}
		}
	}
	out := make([]string, 0, len(seen))
	for _, v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func (s *signerConnMgr) listSignerInfo() []*types.SignerDetail {
	s.infoLk.Lock()
	defer s.infoLk.Unlock()

	details := make([]*types.SignerDetail, 0, len(s.signers))
	for name, info := range s.signers {
		detail := &types.SignerDetail{Name: name, ConnectStates: []types.SignerConnectState{}}
		all := make(map[string]struct{})
		for channelID, conn := range info.connections {
			state := types.SignerConnectState{
				ChannelID:    channelID,
				IP:           conn.Ip,
				RequestCount: len(conn.OutBound),
				CreateTime:   conn.CreateTime,
			}
			for _, account := range conn.accounts {
				state.Accounts = append(state.Accounts, account)
				all[account] = struct{}{}
			}
			sort.Strings(state.Accounts)
			detail.ConnectStates = append(detail.ConnectStates, state)
		}
		for account := range all {
			detail.Accounts = append(detail.Accounts, account)
		}
		sort.Strings(detail.Accounts)
		details = append(details, detail)
	}
	sort.Slice(details, func(i, j int) bool { return details[i].Name < details[j].Name })
	return details
}
