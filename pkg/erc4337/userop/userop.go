// Package userop holds the decoded ERC-4337 UserOperation payload shared
// between the bundler executor and its collaborators.
package userop

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// UserOperation is the decoded form of an EIP-4337 user operation, the
// off-chain signed intent a smart account submits to a bundler.
type UserOperation struct {
	Sender               common.Address `json:"sender"`
	Nonce                *big.Int       `json:"nonce"`
	InitCode             []byte         `json:"initCode"`
	CallData             []byte         `json:"callData"`
	CallGasLimit         *big.Int       `json:"callGasLimit"`
	VerificationGasLimit *big.Int       `json:"verificationGasLimit"`
	PreVerificationGas   *big.Int       `json:"preVerificationGas"`
	MaxFeePerGas         *big.Int       `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *big.Int       `json:"maxPriorityFeePerGas"`
	PaymasterAndData     []byte         `json:"paymasterAndData"`
	Signature            []byte         `json:"signature"`
}
