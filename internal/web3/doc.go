// Package web3 houses blockchain connectivity: the chain client contract
// consumed by the agent, chain endpoint definitions loaded from YAML, and the
// EVM implementation under web3/ethereum. Registry construction lives in
// web3/provider.
package web3
