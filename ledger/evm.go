package ledger

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/xerrors"

	"github.com/smartcity-labs/traffic-storage/api"
	"github.com/smartcity-labs/traffic-storage/lib/retry"
)

const (
	resolveAttempts = 3
	receiptInterval = time.Second

	// lowBalanceWei is 0.01 of the native token; below it registration still
	// proceeds but the operator is warned that the signer is running dry.
	lowBalanceWei = 1e16
)

// gasLadder escalates the suggested gas price on resubmission so a replaced
// transaction is not rejected as underpriced. Values are percent.
var gasLadder = []int64{150, 200, 300, 500, 800}

var transientLedgerErrors = []error{&api.LedgerError{}}

// ethBackend is the slice of the execution client the ledger needs.
// *ethclient.Client satisfies it; tests substitute a fake.
type ethBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// EVM talks to the TrafficStorage contract on an EVM chain with a single
// signing identity.
type EVM struct {
	backend  ethBackend
	abi      abi.ABI
	contract common.Address
	chainID  *big.Int
	signer   types.Signer
	key      *ecdsa.PrivateKey
	sender   common.Address

	gasLimit       uint64
	confirmTimeout time.Duration

	// sendMu is the outgoing-transaction sequencer. Transactions from one
	// signer are ordered by nonce, so nonce acquisition and submission must
	// not interleave; it is released only once the pool has accepted the
	// transaction, and confirmation is awaited outside of it.
	sendMu sync.Mutex
}

// NewEVM dials rpcURL and binds the contract at contractAddr, signing with
// privKeyHex under chainID.
func NewEVM(rpcURL, contractAddr, privKeyHex string, chainID int64, gasLimit uint64, confirmTimeout time.Duration) (*EVM, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, xerrors.Errorf("dialing ledger rpc %s: %w", rpcURL, err)
	}
	return newEVM(client, contractAddr, privKeyHex, chainID, gasLimit, confirmTimeout)
}

func newEVM(backend ethBackend, contractAddr, privKeyHex string, chainID int64, gasLimit uint64, confirmTimeout time.Duration) (*EVM, error) {
	if !common.IsHexAddress(contractAddr) {
		return nil, xerrors.Errorf("malformed contract address %q", contractAddr)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privKeyHex, "0x"))
	if err != nil {
		return nil, xerrors.Errorf("parsing signing key: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(trafficStorageABI))
	if err != nil {
		return nil, xerrors.Errorf("parsing contract abi: %w", err)
	}

	id := big.NewInt(chainID)
	l := &EVM{
		backend:        backend,
		abi:            parsed,
		contract:       common.HexToAddress(contractAddr),
		chainID:        id,
		signer:         types.LatestSignerForChainID(id),
		key:            key,
		sender:         crypto.PubkeyToAddress(key.PublicKey),
		gasLimit:       gasLimit,
		confirmTimeout: confirmTimeout,
	}
	log.Infow("ledger client initialized", "sender", l.sender.Hex(), "contract", contractAddr, "chain_id", chainID)
	return l, nil
}

func (l *EVM) Register(ctx context.Context, key api.RecordKey, cidStr string) (*api.TxReceipt, error) {
	data, err := l.abi.Pack("storeRecord", key.TrafficLightID, big.NewInt(key.Timestamp), uint8(key.Kind), cidStr)
	if err != nil {
		return nil, xerrors.Errorf("packing storeRecord for %s: %w", key, err)
	}

	l.checkBalance(ctx)

	// A nonce conflict means another transaction from this signer slipped in
	// between nonce fetch and pool acceptance; one resubmission with a fresh
	// nonce (and a bumped gas price) is attempted, nothing more. Blind write
	// retries risk duplicate fee-paying transactions.
	var txHash common.Hash
	for attempt := 0; ; attempt++ {
		txHash, err = l.submit(ctx, data, attempt)
		if err == nil {
			break
		}
		var nc *api.NonceConflictError
		if xerrors.As(err, &nc) && attempt == 0 {
			log.Warnw("nonce conflict, resubmitting once with a fresh sequence", "key", key.String(), "nonce", nc.Nonce)
			continue
		}
		return nil, &api.LedgerError{Op: "register", Err: err}
	}

	receipt, err := l.waitConfirmed(ctx, txHash)
	if err != nil {
		return nil, &api.LedgerError{Op: "register", Err: err}
	}
	log.Infow("record registered", "key", key.String(), "cid", cidStr,
		"tx", receipt.TxHash, "block", receipt.BlockNumber, "gas_used", receipt.GasUsed)
	return receipt, nil
}

// submit holds the sequencer lock from nonce acquisition until the pool has
// accepted the signed transaction.
func (l *EVM) submit(ctx context.Context, calldata []byte, attempt int) (common.Hash, error) {
	gasPrice, err := l.gasPrice(ctx, attempt)
	if err != nil {
		return common.Hash{}, err
	}

	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	nonce, err := l.backend.PendingNonceAt(ctx, l.sender)
	if err != nil {
		return common.Hash{}, xerrors.Errorf("fetching nonce: %w", err)
	}

	// Simulate before spending fees; a reverting call never leaves the node.
	if _, err := l.backend.CallContract(ctx, ethereum.CallMsg{
		From: l.sender,
		To:   &l.contract,
		Data: calldata,
	}, nil); err != nil {
		return common.Hash{}, xerrors.Errorf("transaction simulation failed: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &l.contract,
		Value:    new(big.Int),
		Gas:      l.gasLimit,
		GasPrice: gasPrice,
		Data:     calldata,
	})
	signed, err := types.SignTx(tx, l.signer, l.key)
	if err != nil {
		return common.Hash{}, xerrors.Errorf("signing transaction: %w", err)
	}

	if err := l.backend.SendTransaction(ctx, signed); err != nil {
		switch {
		case isNonceConflict(err):
			return common.Hash{}, &api.NonceConflictError{Nonce: nonce}
		case strings.Contains(err.Error(), "insufficient funds"):
			return common.Hash{}, &api.InsufficientFundsError{Address: l.sender.Hex()}
		default:
			return common.Hash{}, xerrors.Errorf("submitting transaction: %w", err)
		}
	}
	log.Debugw("transaction submitted", "tx", signed.Hash().Hex(), "nonce", nonce, "gas_price", gasPrice)
	return signed.Hash(), nil
}

func (l *EVM) waitConfirmed(ctx context.Context, txHash common.Hash) (*api.TxReceipt, error) {
	ctx, cancel := context.WithTimeout(ctx, l.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(receiptInterval)
	defer ticker.Stop()
	for {
		receipt, err := l.backend.TransactionReceipt(ctx, txHash)
		switch {
		case err == nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return nil, xerrors.Errorf("transaction %s reverted on-chain", txHash.Hex())
			}
			return &api.TxReceipt{
				TxHash:      txHash.Hex(),
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
			}, nil
		case xerrors.Is(err, ethereum.NotFound):
			// Not mined yet.
		default:
			return nil, xerrors.Errorf("polling receipt for %s: %w", txHash.Hex(), err)
		}

		select {
		case <-ctx.Done():
			return nil, xerrors.Errorf("confirmation of %s: %w", txHash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func (l *EVM) Resolve(ctx context.Context, key api.RecordKey) (string, error) {
	calldata, err := l.abi.Pack("getRecord", key.TrafficLightID, big.NewInt(key.Timestamp), uint8(key.Kind))
	if err != nil {
		return "", xerrors.Errorf("packing getRecord for %s: %w", key, err)
	}

	out, err := retry.Retry(ctx, resolveAttempts, 500*time.Millisecond, 5*time.Second, transientLedgerErrors,
		func(ctx context.Context) ([]byte, error) {
			ret, err := l.backend.CallContract(ctx, ethereum.CallMsg{To: &l.contract, Data: calldata}, nil)
			if err != nil {
				if strings.Contains(err.Error(), "execution reverted") {
					// The contract reverts on an empty entry.
					return nil, &api.NotFoundError{Key: key}
				}
				return nil, &api.LedgerError{Op: "resolve", Err: err}
			}
			return ret, nil
		})
	if err != nil {
		return "", err
	}

	results, err := l.abi.Unpack("getRecord", out)
	if err != nil {
		return "", &api.LedgerError{Op: "resolve", Err: xerrors.Errorf("unpacking getRecord result: %w", err)}
	}
	cidStr, _ := results[0].(string)
	if cidStr == "" {
		return "", &api.NotFoundError{Key: key}
	}
	return cidStr, nil
}

func (l *EVM) Ping(ctx context.Context) error {
	if _, err := l.backend.BlockNumber(ctx); err != nil {
		return &api.LedgerError{Op: "ping", Err: err}
	}
	return nil
}

// gasPrice asks the node for a price and escalates it along gasLadder for
// resubmissions. When the node will not answer, a conservative flat price is
// escalated the same way.
func (l *EVM) gasPrice(ctx context.Context, attempt int) (*big.Int, error) {
	base, err := l.backend.SuggestGasPrice(ctx)
	if err != nil {
		log.Warnw("gas price suggestion failed, using fallback", "error", err)
		base = big.NewInt(10_000_000_000)
	}
	if attempt >= len(gasLadder) {
		attempt = len(gasLadder) - 1
	}
	price := new(big.Int).Mul(base, big.NewInt(gasLadder[attempt]))
	return price.Div(price, big.NewInt(100)), nil
}

// checkBalance warns when the signer is running low on fee funds. Actual
// insufficiency still surfaces as a fatal error from submission.
func (l *EVM) checkBalance(ctx context.Context) {
	bal, err := l.backend.BalanceAt(ctx, l.sender, nil)
	if err != nil {
		log.Warnw("balance check failed", "sender", l.sender.Hex(), "error", err)
		return
	}
	if bal.Cmp(big.NewInt(lowBalanceWei)) < 0 {
		log.Warnw("signer balance is low", "sender", l.sender.Hex(), "balance_wei", bal.String())
	}
}

func isNonceConflict(err error) bool {
	msg := err.Error()
	for _, s := range []string{
		"nonce too low",
		"replacement transaction underpriced",
		"already known",
		"known transaction",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

var _ Client = (*EVM)(nil)
