package gateway

import (
	"encoding/hex"
	"fmt"

	"github.com/hyperledger/fabric-gateway/pkg/client"
	"github.com/hyperledger/fabric-protos-go-apiv2/common"
	"google.golang.org/protobuf/proto"
)

const (
	qsccName         = "qscc"
	qsccGetChainInfo = "GetChainInfo"
)

// ChannelInfo is the qscc chain-info snapshot for a channel.
type ChannelInfo struct {
	Height            uint64 `json:"height"`
	CurrentBlockHash  string `json:"currentBlockHash"`
	PreviousBlockHash string `json:"previousBlockHash"`
}

// queryChannelInfo asks the system chaincode for the channel's current
// height and block hashes.
func queryChannelInfo(network *client.Network, channel string) (*ChannelInfo, error) {
	result, err := network.GetContract(qsccName).EvaluateTransaction(qsccGetChainInfo, channel)
	if err != nil {
		return nil, err
	}

	info := &common.BlockchainInfo{}
	if err := proto.Unmarshal(result, info); err != nil {
		return nil, fmt.Errorf("failed to decode chain info for channel %s: %w", channel, err)
	}

	return &ChannelInfo{
		Height:            info.Height,
		CurrentBlockHash:  hex.EncodeToString(info.CurrentBlockHash),
		PreviousBlockHash: hex.EncodeToString(info.PreviousBlockHash),
	}, nil
}
