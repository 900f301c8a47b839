package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	transferSelector  = gethcrypto.Keccak256([]byte("transfer(address,uint256)"))[:4]
	balanceOfSelector = gethcrypto.Keccak256([]byte("balanceOf(address)"))[:4]
)

// ErrUnknownAsset indicates a transfer was requested for an unconfigured token.
var ErrUnknownAsset = errors.New("wallet: unknown asset")

// ChainClient is the subset of the Ethereum RPC the wallet uses.
type ChainClient interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
}

// ERC20Wallet moves configured ERC-20 tokens out of the platform treasury.
// It holds the single shared signing key; the key is never logged and no
// other component receives a reference to it.
type ERC20Wallet struct {
	client   ChainClient
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
	tokens   map[string]common.Address
	gasLimit uint64
}

// DialERC20Wallet connects to the RPC endpoint and builds a treasury wallet.
func DialERC20Wallet(endpoint, signerKeyHex string, chainID int64, tokens map[string]string) (*ERC20Wallet, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("wallet: rpc endpoint required")
	}
	client, err := ethclient.Dial(trimmed)
	if err != nil {
		return nil, fmt.Errorf("wallet: dial rpc: %w", err)
	}
	return NewERC20Wallet(client, signerKeyHex, chainID, tokens)
}

// NewERC20Wallet constructs a wallet over an existing chain client.
func NewERC20Wallet(client ChainClient, signerKeyHex string, chainID int64, tokens map[string]string) (*ERC20Wallet, error) {
	key, err := gethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(signerKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("wallet: load signer key: %w", err)
	}
	resolved := make(map[string]common.Address, len(tokens))
	for asset, addr := range tokens {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("wallet: invalid token address for %s", asset)
		}
		resolved[strings.ToUpper(strings.TrimSpace(asset))] = common.HexToAddress(addr)
	}
	return &ERC20Wallet{
		client:   client,
		key:      key,
		from:     gethcrypto.PubkeyToAddress(key.PublicKey),
		chainID:  big.NewInt(chainID),
		tokens:   resolved,
		gasLimit: 120_000,
	}, nil
}

// Address reports the treasury address derived from the signing key.
func (w *ERC20Wallet) Address() string { return w.from.Hex() }

func (w *ERC20Wallet) token(asset string) (common.Address, error) {
	addr, ok := w.tokens[strings.ToUpper(strings.TrimSpace(asset))]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	return addr, nil
}

// BalanceOf returns the treasury balance of the asset in token base units.
func (w *ERC20Wallet) BalanceOf(ctx context.Context, asset string) (*big.Int, error) {
	token, err := w.token(asset)
	if err != nil {
		return nil, err
	}
	data := append(append([]byte{}, balanceOfSelector...), common.LeftPadBytes(w.from.Bytes(), 32)...)
	out, err := w.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("wallet: balanceOf: %w", err)
	}
	return new(big.Int).SetBytes(out), nil
}

// Transfer broadcasts an ERC-20 transfer and returns the transaction hash.
func (w *ERC20Wallet) Transfer(ctx context.Context, asset, destination string, amount *big.Int) (string, error) {
	if amount == nil || amount.Sign() <= 0 {
		return "", fmt.Errorf("wallet: amount must be positive")
	}
	if !common.IsHexAddress(destination) {
		return "", fmt.Errorf("wallet: invalid destination %q", destination)
	}
	token, err := w.token(asset)
	if err != nil {
		return "", err
	}
	nonce, err := w.client.PendingNonceAt(ctx, w.from)
	if err != nil {
		return "", fmt.Errorf("wallet: fetch nonce: %w", err)
	}
	gasPrice, err := w.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("wallet: suggest gas price: %w", err)
	}
	to := common.HexToAddress(destination)
	data := append(append([]byte{}, transferSelector...), common.LeftPadBytes(to.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	tx := gethtypes.NewTransaction(nonce, token, new(big.Int), w.gasLimit, gasPrice, data)
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(w.chainID), w.key)
	if err != nil {
		return "", fmt.Errorf("wallet: sign transfer: %w", err)
	}
	if err := w.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("wallet: broadcast transfer: %w", err)
	}
	return signed.Hash().Hex(), nil
}

// WaitForConfirmations polls until the transaction has the requested number
// of confirmations or the context expires.
func (w *ERC20Wallet) WaitForConfirmations(ctx context.Context, txHash string, confirmations int, pollInterval time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := w.client.TransactionReceipt(ctx, hash)
		switch {
		case err != nil && !errors.Is(err, ethereum.NotFound):
			return fmt.Errorf("wallet: fetch receipt: %w", err)
		case receipt != nil:
			if receipt.Status != gethtypes.ReceiptStatusSuccessful {
				return fmt.Errorf("wallet: transaction %s reverted", txHash)
			}
			confirmed, err := w.confirmationCount(ctx, receipt)
			if err != nil {
				return err
			}
			if confirmed >= int64(confirmations) {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// TransferSucceeded reports whether a previously broadcast transaction landed
// successfully. Used to reconcile unknown outcomes before re-sending.
func (w *ERC20Wallet) TransferSucceeded(ctx context.Context, txHash string) (bool, error) {
	receipt, err := w.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return false, nil
		}
		return false, fmt.Errorf("wallet: fetch receipt: %w", err)
	}
	return receipt != nil && receipt.Status == gethtypes.ReceiptStatusSuccessful, nil
}

func (w *ERC20Wallet) confirmationCount(ctx context.Context, receipt *gethtypes.Receipt) (int64, error) {
	header, err := w.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("wallet: fetch head: %w", err)
	}
	if header == nil || header.Number == nil || receipt.BlockNumber == nil {
		return 0, fmt.Errorf("wallet: block metadata unavailable")
	}
	confirmed := new(big.Int).Sub(header.Number, receipt.BlockNumber)
	confirmed.Add(confirmed, big.NewInt(1))
	return confirmed.Int64(), nil
}
