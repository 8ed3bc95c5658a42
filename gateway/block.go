package gateway

import (
	"github.com/hyperledger/fabric-protos-go-apiv2/common"
	"google.golang.org/protobuf/proto"
)

// BlockSummary is the digest of a committed block handed to block-event
// subscribers: the block number plus the transaction ids it carries.
type BlockSummary struct {
	Number       uint64   `json:"blockNumber"`
	Transactions []string `json:"transactions"`
}

// SummarizeBlock extracts the block number and transaction ids from a raw
// block. Entries that fail to decode are skipped, not fatal, so a single
// malformed envelope cannot take the stream down.
func SummarizeBlock(block *common.Block) *BlockSummary {
	summary := &BlockSummary{Transactions: []string{}}
	if block == nil {
		return summary
	}
	if block.Header != nil {
		summary.Number = block.Header.Number
	}
	if block.Data == nil {
		return summary
	}

	for _, raw := range block.Data.Data {
		envelope := &common.Envelope{}
		if err := proto.Unmarshal(raw, envelope); err != nil {
			logger.Debugf("skipping undecodable envelope in block %d: %v", summary.Number, err)
			continue
		}
		payload := &common.Payload{}
		if err := proto.Unmarshal(envelope.Payload, payload); err != nil {
			logger.Debugf("skipping undecodable payload in block %d: %v", summary.Number, err)
			continue
		}
		if payload.Header == nil {
			continue
		}
		channelHeader := &common.ChannelHeader{}
		if err := proto.Unmarshal(payload.Header.ChannelHeader, channelHeader); err != nil {
			logger.Debugf("skipping undecodable channel header in block %d: %v", summary.Number, err)
			continue
		}
		if channelHeader.TxId != "" {
			summary.Transactions = append(summary.Transactions, channelHeader.TxId)
		}
	}
	return summary
}
