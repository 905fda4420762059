package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	hdwallet "github.com/miguelmota/go-ethereum-hdwallet"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/nenkoz/1launch-sub000/internal/settlement"
	"github.com/nenkoz/1launch-sub000/pkg/logger"
)

const executorABIJSON = `[
	{
		"inputs": [
			{"internalType": "address", "name": "bidder", "type": "address"},
			{"internalType": "address", "name": "token", "type": "address"},
			{"internalType": "uint256", "name": "amount", "type": "uint256"}
		],
		"name": "distribute",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "address[]", "name": "bidders", "type": "address[]"},
			{"internalType": "address[]", "name": "tokens", "type": "address[]"},
			{"internalType": "uint256[]", "name": "amounts", "type": "uint256[]"}
		],
		"name": "batchDistribute",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

const distributeGasLimit = 3_000_000

// Executor sends distribute calls to the auction executor contract as
// legacy transactions signed with the relay key. One mutex serializes
// sends so nonces stay sequential.
type Executor struct {
	client        *ethclient.Client
	contract      common.Address
	chainID       *big.Int
	key           *ecdsa.PrivateKey
	from          common.Address
	tokenDecimals int32
	abi           abi.ABI
	log           *logrus.Entry

	mu    sync.Mutex
	nonce uint64 // next nonce, valid only while armed
	armed bool
}

// DeriveRelayKey turns the stored mnemonic into the relay signing key.
func DeriveRelayKey(mnemonic, derivationPath string) (*ecdsa.PrivateKey, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if mnemonic == "" {
		return nil, errors.New("relay mnemonic is empty")
	}
	w, err := hdwallet.NewFromMnemonic(mnemonic)
	if err != nil {
		return nil, errors.Wrap(err, "invalid mnemonic")
	}
	path, err := hdwallet.ParseDerivationPath(derivationPath)
	if err != nil {
		return nil, errors.Wrap(err, "invalid derivation path")
	}
	acct, err := w.Derive(path, false)
	if err != nil {
		return nil, errors.Wrap(err, "derive relay account")
	}
	return w.PrivateKey(acct)
}

// NewExecutor dials the RPC endpoint and prepares the relay signer.
// tokenDecimals is the auction token's precision, used to scale whole
// token quantities to raw units.
func NewExecutor(rpcURL, contractAddr string, chainID int64, key *ecdsa.PrivateKey, tokenDecimals int32) (*Executor, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, errors.Wrap(err, "dial rpc")
	}
	parsed, err := abi.JSON(strings.NewReader(executorABIJSON))
	if err != nil {
		return nil, errors.Wrap(err, "parse executor abi")
	}
	pub, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("relay key has no ECDSA public key")
	}
	return &Executor{
		client:        client,
		contract:      common.HexToAddress(contractAddr),
		chainID:       big.NewInt(chainID),
		key:           key,
		from:          crypto.PubkeyToAddress(*pub),
		tokenDecimals: tokenDecimals,
		abi:           parsed,
		log:           logger.For("executor"),
	}, nil
}

func (e *Executor) Close() {
	e.client.Close()
}

// Distribute implements settlement.Executor for a single payout.
func (e *Executor) Distribute(ctx context.Context, t settlement.Transfer) (string, error) {
	qty, err := e.rawQty(t.Qty)
	if err != nil {
		return "", err
	}
	data, err := e.abi.Pack("distribute", common.HexToAddress(t.Bidder), common.HexToAddress(t.Token), qty)
	if err != nil {
		return "", errors.Wrap(err, "pack distribute")
	}
	return e.send(ctx, data)
}

// DistributeBatch implements settlement.Executor for grouped payouts.
func (e *Executor) DistributeBatch(ctx context.Context, ts []settlement.Transfer) (string, error) {
	if len(ts) == 0 {
		return "", errors.New("empty batch")
	}
	bidders := make([]common.Address, len(ts))
	tokens := make([]common.Address, len(ts))
	amounts := make([]*big.Int, len(ts))
	for i, t := range ts {
		qty, err := e.rawQty(t.Qty)
		if err != nil {
			return "", err
		}
		bidders[i] = common.HexToAddress(t.Bidder)
		tokens[i] = common.HexToAddress(t.Token)
		amounts[i] = qty
	}
	data, err := e.abi.Pack("batchDistribute", bidders, tokens, amounts)
	if err != nil {
		return "", errors.Wrap(err, "pack batchDistribute")
	}
	return e.send(ctx, data)
}

// rawQty scales a whole-token quantity to the token's raw integer units.
func (e *Executor) rawQty(qty decimal.Decimal) (*big.Int, error) {
	if qty.IsNegative() {
		return nil, fmt.Errorf("negative quantity %s", qty)
	}
	raw := qty.Shift(e.tokenDecimals).Floor()
	out, ok := new(big.Int).SetString(raw.String(), 10)
	if !ok {
		return nil, fmt.Errorf("quantity %s does not scale to an integer", qty)
	}
	return out, nil
}

func (e *Executor) send(ctx context.Context, data []byte) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.armed {
		n, err := e.client.PendingNonceAt(ctx, e.from)
		if err != nil {
			return "", errors.Wrap(err, "fetch nonce")
		}
		e.nonce = n
		e.armed = true
	}

	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", errors.Wrap(err, "suggest gas price")
	}

	tx := types.NewTransaction(e.nonce, e.contract, big.NewInt(0), distributeGasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(e.chainID), e.key)
	if err != nil {
		return "", errors.Wrap(err, "sign tx")
	}
	if err := e.client.SendTransaction(ctx, signed); err != nil {
		// Refetch the nonce next time in case the failure was nonce skew.
		e.armed = false
		return "", errors.Wrap(err, "send tx")
	}
	e.nonce++

	hash := signed.Hash().Hex()
	e.log.WithFields(logrus.Fields{
		"tx":    hash,
		"nonce": signed.Nonce(),
	}).Info("distribution tx sent")
	return hash, nil
}
