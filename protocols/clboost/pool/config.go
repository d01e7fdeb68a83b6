package pool

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
)

// Logger defines a standard interface for structured, leveled logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Clock supplies the current time as a 32-bit unix timestamp. It must never
// go backwards, apart from the wrap at 2^32.
type Clock interface {
	Now() uint32
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() uint32

func (f ClockFunc) Now() uint32 { return f() }

// AttachmentAuthorizer decides who may attach a voting-power token to a position.
type AttachmentAuthorizer interface {
	IsManager(addr common.Address) bool
	IsApprovedOrOwner(addr common.Address, tokenID uint64) bool
}

// VotingPowerSource reads voting power and receives attachment changes.
// Attach and Detach are notifications; they are called after the change
// has been committed and cannot fail it.
type VotingPowerSource interface {
	VotingPower(tokenID uint64) (*big.Int, error)
	Attach(tokenID uint64, owner common.Address)
	Detach(tokenID uint64, owner common.Address)
}

// EventSink receives committed pool events.
type EventSink interface {
	Emit(Event)
}

// Config holds the pool parameters and its collaborators.
type Config struct {
	// ID identifies the pool in read models, events and stores.
	ID          uint64
	TickSpacing int32
	// Fee is the swap fee in hundredths of a bip. The engine does not swap;
	// the value is carried for the read model.
	Fee uint32

	Logger      Logger
	Registry    prometheus.Registerer
	Clock       Clock
	Authorizer  AttachmentAuthorizer
	VotingPower VotingPowerSource
	// Events is optional.
	Events EventSink
}

// maxTickSpacing bounds the spacing so a tick word never spans more than the tick domain.
const maxTickSpacing = 16384

func (c *Config) validate() error {
	if c.TickSpacing <= 0 || c.TickSpacing > maxTickSpacing {
		return errors.New("config: TickSpacing must be in [1, 16384]")
	}
	if c.Fee >= 1_000_000 {
		return errors.New("config: Fee must be below 1e6")
	}
	if c.Logger == nil {
		return errors.New("config: Logger cannot be nil")
	}
	if c.Registry == nil {
		return errors.New("config: Registry cannot be nil")
	}
	if c.Clock == nil {
		return errors.New("config: Clock cannot be nil")
	}
	if c.Authorizer == nil {
		return errors.New("config: Authorizer cannot be nil")
	}
	if c.VotingPower == nil {
		return errors.New("config: VotingPower cannot be nil")
	}
	return nil
}
