package main

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/defistate/clboost/cmd/clboost/config"
)

// votingLedger is a static voting-power ledger configured up front. It
// authorizes managers and token owners, and tracks attachments per token.
type votingLedger struct {
	logger Logger

	mu       sync.RWMutex
	managers map[common.Address]bool
	owners   map[uint64]common.Address
	power    map[uint64]*big.Int
	attached map[uint64]int
}

func newVotingLedger(cfg config.Config, logger Logger) (*votingLedger, error) {
	l := &votingLedger{
		logger:   logger,
		managers: make(map[common.Address]bool),
		owners:   make(map[uint64]common.Address),
		power:    make(map[uint64]*big.Int),
		attached: make(map[uint64]int),
	}
	for _, m := range cfg.Managers {
		if !common.IsHexAddress(m) {
			return nil, fmt.Errorf("invalid manager address %q", m)
		}
		l.managers[common.HexToAddress(m)] = true
	}
	for _, tok := range cfg.VeTokens {
		if tok.ID == 0 {
			return nil, fmt.Errorf("ve token id 0 is reserved")
		}
		if !common.IsHexAddress(tok.Owner) {
			return nil, fmt.Errorf("ve token %d: invalid owner %q", tok.ID, tok.Owner)
		}
		power, ok := new(big.Int).SetString(tok.Power, 10)
		if !ok {
			return nil, fmt.Errorf("ve token %d: invalid power %q", tok.ID, tok.Power)
		}
		l.owners[tok.ID] = common.HexToAddress(tok.Owner)
		l.power[tok.ID] = power
	}
	return l, nil
}

func (l *votingLedger) IsManager(addr common.Address) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.managers[addr]
}

func (l *votingLedger) IsApprovedOrOwner(addr common.Address, tokenID uint64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	owner, ok := l.owners[tokenID]
	return ok && owner == addr
}

// VotingPower of an unknown token is zero.
func (l *votingLedger) VotingPower(tokenID uint64) (*big.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if p, ok := l.power[tokenID]; ok {
		return new(big.Int).Set(p), nil
	}
	return new(big.Int), nil
}

func (l *votingLedger) Attach(tokenID uint64, owner common.Address) {
	l.mu.Lock()
	l.attached[tokenID]++
	l.mu.Unlock()
	l.logger.Debug("ve token attached", "token", tokenID, "owner", owner)
}

func (l *votingLedger) Detach(tokenID uint64, owner common.Address) {
	l.mu.Lock()
	l.attached[tokenID]--
	l.mu.Unlock()
	l.logger.Debug("ve token detached", "token", tokenID, "owner", owner)
}

// SetPower changes the voting power of tokenID. Positions see it on their
// next poke.
func (l *votingLedger) SetPower(tokenID uint64, power *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.power[tokenID] = new(big.Int).Set(power)
}

// Attachments returns how many positions tokenID is attached to.
func (l *votingLedger) Attachments(tokenID uint64) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.attached[tokenID]
}
