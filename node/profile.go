package node

import (
	"context"
	"math/big"

	"golang.org/x/xerrors"

	"github.com/sarcophagus-org/archon/chain"
)

// RegisterProfile publishes the agent's terms on-chain for the first time,
// or updates them if a profile already exists, then refreshes the cached
// copy that gates negotiation.
func (n *Node) RegisterProfile(ctx context.Context, chainID uint64, p chain.Profile) error {
	nc, ok := n.manager.Context(chainID)
	if !ok {
		return xerrors.Errorf("no active context for chain %d", chainID)
	}

	if nc.Profile().Exists {
		if err := nc.Contract.UpdateProfile(ctx, p); err != nil {
			return err
		}
	} else {
		if err := nc.Contract.RegisterProfile(ctx, p); err != nil {
			return err
		}
	}
	return nc.RefreshProfile(ctx)
}

// DepositFreeBond locks additional stake so new curses can be accepted.
func (n *Node) DepositFreeBond(ctx context.Context, chainID uint64, amount *big.Int) error {
	nc, ok := n.manager.Context(chainID)
	if !ok {
		return xerrors.Errorf("no active context for chain %d", chainID)
	}
	if err := nc.Contract.DepositFreeBond(ctx, amount); err != nil {
		return err
	}
	return nc.RefreshProfile(ctx)
}

// WithdrawFreeBond releases uncursed stake back to the wallet.
func (n *Node) WithdrawFreeBond(ctx context.Context, chainID uint64, amount *big.Int) error {
	nc, ok := n.manager.Context(chainID)
	if !ok {
		return xerrors.Errorf("no active context for chain %d", chainID)
	}
	if err := nc.Contract.WithdrawFreeBond(ctx, amount); err != nil {
		return err
	}
	return nc.RefreshProfile(ctx)
}

// WithdrawReward claims accumulated digging fees.
func (n *Node) WithdrawReward(ctx context.Context, chainID uint64) error {
	nc, ok := n.manager.Context(chainID)
	if !ok {
		return xerrors.Errorf("no active context for chain %d", chainID)
	}
	return nc.Contract.WithdrawReward(ctx)
}
