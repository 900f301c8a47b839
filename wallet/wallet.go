// Package wallet abstracts the platform treasury hot wallet used by the
// payout and refund engines. Only those execution paths hold a reference to
// an implementation backed by the signing key.
package wallet

import (
	"context"
	"errors"
	"math/big"
	"time"
)

// TreasuryWallet captures the chain operations the ledger engines require.
type TreasuryWallet interface {
	BalanceOf(ctx context.Context, asset string) (*big.Int, error)
	Transfer(ctx context.Context, asset, destination string, amount *big.Int) (string, error)
	WaitForConfirmations(ctx context.Context, txHash string, confirmations int, pollInterval time.Duration) error
	TransferSucceeded(ctx context.Context, txHash string) (bool, error)
}

// FuncWallet adapts callback functions to the TreasuryWallet interface.
type FuncWallet struct {
	BalanceFunc   func(ctx context.Context, asset string) (*big.Int, error)
	TransferFunc  func(ctx context.Context, asset, destination string, amount *big.Int) (string, error)
	ConfirmFunc   func(ctx context.Context, txHash string, confirmations int, pollInterval time.Duration) error
	SucceededFunc func(ctx context.Context, txHash string) (bool, error)
}

// BalanceOf delegates to the configured callback.
func (w FuncWallet) BalanceOf(ctx context.Context, asset string) (*big.Int, error) {
	if w.BalanceFunc == nil {
		return new(big.Int), nil
	}
	return w.BalanceFunc(ctx, asset)
}

// Transfer delegates to the configured callback.
func (w FuncWallet) Transfer(ctx context.Context, asset, destination string, amount *big.Int) (string, error) {
	if w.TransferFunc == nil {
		return "", nil
	}
	return w.TransferFunc(ctx, asset, destination, amount)
}

// WaitForConfirmations delegates to the configured callback.
func (w FuncWallet) WaitForConfirmations(ctx context.Context, txHash string, confirmations int, pollInterval time.Duration) error {
	if w.ConfirmFunc == nil {
		return nil
	}
	return w.ConfirmFunc(ctx, txHash, confirmations, pollInterval)
}

// TransferSucceeded delegates to the configured callback.
func (w FuncWallet) TransferSucceeded(ctx context.Context, txHash string) (bool, error) {
	if w.SucceededFunc == nil {
		return false, nil
	}
	return w.SucceededFunc(ctx, txHash)
}

// Unconfigured returns a wallet whose operations all fail. Daemons use it
// when treasury credentials are absent so obligation accrual keeps working
// while transfer execution reports the missing wallet.
func Unconfigured() TreasuryWallet {
	return FuncWallet{
		BalanceFunc: func(context.Context, string) (*big.Int, error) {
			return nil, errors.New("wallet: treasury wallet not configured")
		},
		TransferFunc: func(context.Context, string, string, *big.Int) (string, error) {
			return "", errors.New("wallet: treasury wallet not configured")
		},
		ConfirmFunc: func(context.Context, string, int, time.Duration) error {
			return errors.New("wallet: treasury wallet not configured")
		},
		SucceededFunc: func(context.Context, string) (bool, error) {
			return false, errors.New("wallet: treasury wallet not configured")
		},
	}
}

// CentsToTokenUnits converts integer cents into base units of a token with
// the supplied decimals. USDC carries six decimals, so one cent is 10^4 units.
func CentsToTokenUnits(cents int64, decimals int) *big.Int {
	units := new(big.Int).SetInt64(cents)
	if decimals <= 2 {
		return units
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals-2)), nil)
	return units.Mul(units, scale)
}
