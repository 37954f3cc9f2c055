// Package network holds static per-network metadata: chain ids and the
// USDC deployments the facilitator knows how to settle.
package network

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
	"github.com/x402-rs/x402-facilitator/pkg/types"
)

// ChainID represents an EVM chain ID
type ChainID uint64

const (
	ChainIDBaseSepolia   ChainID = 84532
	ChainIDBase          ChainID = 8453
	ChainIDAvalancheFuji ChainID = 43113
	ChainIDAvalanche     ChainID = 43114
	ChainIDPolygonAmoy   ChainID = 80002
	ChainIDPolygon       ChainID = 137
	ChainIDSei           ChainID = 1329
	ChainIDSeiTestnet    ChainID = 1328
	ChainIDXDC           ChainID = 50
)

// Info contains metadata about a network
type Info struct {
	Network types.Network
	ChainID ChainID // zero for non-EVM networks
	Name    string
}

// BigChainID returns the chain id as a *big.Int for signers and EIP-712 domains.
func (i Info) BigChainID() *big.Int {
	return new(big.Int).SetUint64(uint64(i.ChainID))
}

// USDCDeployment is a USDC token on a network. EIP712Name and EIP712Version
// are the token's domain parameters, empty on Solana.
type USDCDeployment struct {
	Network       types.Network
	Address       string
	Decimals      uint8
	EIP712Name    string
	EIP712Version string
}

var infos = map[types.Network]Info{
	types.NetworkBaseSepolia:   {types.NetworkBaseSepolia, ChainIDBaseSepolia, "Base Sepolia"},
	types.NetworkBase:          {types.NetworkBase, ChainIDBase, "Base"},
	types.NetworkAvalancheFuji: {types.NetworkAvalancheFuji, ChainIDAvalancheFuji, "Avalanche Fuji"},
	types.NetworkAvalanche:     {types.NetworkAvalanche, ChainIDAvalanche, "Avalanche C-Chain"},
	types.NetworkPolygonAmoy:   {types.NetworkPolygonAmoy, ChainIDPolygonAmoy, "Polygon Amoy"},
	types.NetworkPolygon:       {types.NetworkPolygon, ChainIDPolygon, "Polygon"},
	types.NetworkSei:           {types.NetworkSei, ChainIDSei, "Sei"},
	types.NetworkSeiTestnet:    {types.NetworkSeiTestnet, ChainIDSeiTestnet, "Sei Testnet"},
	types.NetworkXDC:           {types.NetworkXDC, ChainIDXDC, "XDC"},
	types.NetworkSolana:        {types.NetworkSolana, 0, "Solana"},
	types.NetworkSolanaDevnet:  {types.NetworkSolanaDevnet, 0, "Solana Devnet"},
}

var usdc = map[types.Network]USDCDeployment{
	types.NetworkBaseSepolia:   {types.NetworkBaseSepolia, "0x036CbD53842c5426634e7929541eC2318f3dCF7e", 6, "USDC", "2"},
	types.NetworkBase:          {types.NetworkBase, "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", 6, "USD Coin", "2"},
	types.NetworkAvalancheFuji: {types.NetworkAvalancheFuji, "0x5425890298aed601595a70AB815c96711a31Bc65", 6, "USD Coin", "2"},
	types.NetworkAvalanche:     {types.NetworkAvalanche, "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E", 6, "USD Coin", "2"},
	types.NetworkPolygonAmoy:   {types.NetworkPolygonAmoy, "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582", 6, "USDC", "2"},
	types.NetworkPolygon:       {types.NetworkPolygon, "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359", 6, "USD Coin", "2"},
	types.NetworkSei:           {types.NetworkSei, "0xe15fC38F6D8c56aF07bbCBe3BAf5708A2Bf42392", 6, "USDC", "2"},
	types.NetworkSeiTestnet:    {types.NetworkSeiTestnet, "0x4fCF1784B31630811181f670Aea7A7bEF803eaED", 6, "USDC", "2"},
	types.NetworkXDC:           {types.NetworkXDC, "0xD4B5f10D61916Bd6E0860144a91Ac658dE8a1437", 6, "USDC", "2"},
	types.NetworkSolana:        {types.NetworkSolana, "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", 6, "", ""},
	types.NetworkSolanaDevnet:  {types.NetworkSolanaDevnet, "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU", 6, "", ""},
}

// GetInfo returns information about a network
func GetInfo(n types.Network) (Info, error) {
	info, ok := infos[n]
	if !ok {
		return Info{}, fmt.Errorf("unknown network: %s", n)
	}
	return info, nil
}

// GetUSDCDeployment returns the USDC deployment for a network
func GetUSDCDeployment(n types.Network) (USDCDeployment, error) {
	d, ok := usdc[n]
	if !ok {
		return USDCDeployment{}, fmt.Errorf("no USDC deployment for network: %s", n)
	}
	return d, nil
}

// FormatAmount renders an amount in smallest units as a decimal string.
func FormatAmount(units *big.Int, decimals uint8) string {
	if units == nil {
		return "0"
	}
	return decimal.NewFromBigInt(units, -int32(decimals)).String()
}
