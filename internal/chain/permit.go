// Package chain holds the on-chain edge of settlement: ERC-2612 permit
// validation ahead of conversion, and the relay executor that moves
// auction tokens to winners.
package chain

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/pkg/errors"
)

// Permit is a bidder's pre-signed ERC-2612 approval, submitted with the
// bid and spent by the venue during conversion.
type Permit struct {
	Owner     common.Address `json:"owner"`
	Spender   common.Address `json:"spender"`
	Value     *big.Int       `json:"value"`
	Nonce     *big.Int       `json:"nonce"`
	Deadline  *big.Int       `json:"deadline"`
	Signature string         `json:"signature"` // 65-byte hex, r||s||v
}

// ParsePermit decodes the permit JSON stored on a bid.
func ParsePermit(raw string) (*Permit, error) {
	var p Permit
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, errors.Wrap(err, "decode permit")
	}
	if p.Value == nil || p.Nonce == nil || p.Deadline == nil {
		return nil, errors.New("permit missing value, nonce or deadline")
	}
	return &p, nil
}

// TypedData builds the EIP-712 payload the bidder signed: the standard
// ERC-2612 Permit type under the token's domain.
func (p *Permit) TypedData(tokenName, tokenVersion string, token common.Address, chainID int64) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Permit": []apitypes.Type{
				{Name: "owner", Type: "address"},
				{Name: "spender", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "deadline", Type: "uint256"},
			},
		},
		PrimaryType: "Permit",
		Domain: apitypes.TypedDataDomain{
			Name:              tokenName,
			Version:           tokenVersion,
			ChainId:           math.NewHexOrDecimal256(chainID),
			VerifyingContract: token.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"owner":    p.Owner.Hex(),
			"spender":  p.Spender.Hex(),
			"value":    p.Value.String(),
			"nonce":    p.Nonce.String(),
			"deadline": p.Deadline.String(),
		},
	}
}

// Digest is the 32-byte hash the permit signature covers:
// keccak256("\x19\x01" || domainSeparator || structHash).
func (p *Permit) Digest(tokenName, tokenVersion string, token common.Address, chainID int64) ([]byte, error) {
	td := p.TypedData(tokenName, tokenVersion, token, chainID)
	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, errors.Wrap(err, "hash domain")
	}
	structHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return nil, errors.Wrap(err, "hash permit struct")
	}
	raw := []byte{0x19, 0x01}
	raw = append(raw, domainSeparator...)
	raw = append(raw, structHash...)
	return crypto.Keccak256(raw), nil
}

// Validate checks the deadline against now and recovers the signer from
// the signature, which must be the permit's owner.
func (p *Permit) Validate(tokenName, tokenVersion string, token common.Address, chainID int64, now time.Time) error {
	if p.Deadline.Cmp(big.NewInt(now.Unix())) < 0 {
		return fmt.Errorf("permit expired at %s", time.Unix(p.Deadline.Int64(), 0).UTC())
	}

	sig := common.FromHex(strings.TrimSpace(p.Signature))
	if len(sig) != 65 {
		return fmt.Errorf("permit signature is %d bytes, want 65", len(sig))
	}
	// crypto.SigToPub expects recovery id 0/1; wallets emit v as 27/28.
	if sig[64] >= 27 {
		sig = append(append([]byte{}, sig[:64]...), sig[64]-27)
	}

	digest, err := p.Digest(tokenName, tokenVersion, token, chainID)
	if err != nil {
		return err
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return errors.Wrap(err, "recover permit signer")
	}
	if signer := crypto.PubkeyToAddress(*pub); signer != p.Owner {
		return fmt.Errorf("permit signed by %s, owner is %s", signer.Hex(), p.Owner.Hex())
	}
	return nil
}
