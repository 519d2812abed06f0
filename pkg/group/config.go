package group

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid/v5"

	"github.com/ryandielhenn/zephyrgroup/pkg/detector"
	"github.com/ryandielhenn/zephyrgroup/pkg/flush"
	"github.com/ryandielhenn/zephyrgroup/pkg/multicast"
	"github.com/ryandielhenn/zephyrgroup/pkg/statetransfer"
)

var groupNamespace = uuid.Must(uuid.FromString("3b8f0c1e-7a4d-4e52-9c61-2f0d8a9b7e34"))

type Config struct {
	Name    string `validate:"required"`
	Durable bool
	// ContinuityThreshold is the share of the previous primary membership that
	// must survive for the next membership to stay primary.
	ContinuityThreshold float64 `validate:"gte=0,lt=1"`
	// GroupFormationPeriod is how long an ungrouped node listens for an
	// existing group before it forms one.
	GroupFormationPeriod time.Duration `validate:"gt=0"`
	JoinRequestPeriod    time.Duration `validate:"gt=0"`
	// TickPeriod drives every timer of the channel.
	TickPeriod time.Duration `validate:"gt=0"`

	Detector      detector.Config
	Flush         flush.Config
	Multicast     multicast.Config
	StateTransfer statetransfer.Config
}

func DefaultConfig() Config {
	return Config{
		Durable:              true,
		ContinuityThreshold:  0.5,
		GroupFormationPeriod: 3 * time.Second,
		JoinRequestPeriod:    time.Second,
		TickPeriod:           10 * time.Millisecond,
		Detector:             detector.DefaultConfig(),
		Flush:                flush.DefaultConfig(),
		Multicast:            multicast.DefaultConfig(),
		StateTransfer:        statetransfer.DefaultConfig(),
	}
}

// Validate checks the group settings together with every nested component config.
func (c Config) Validate() error {
	return validator.New().Struct(c)
}

// GroupID derives the group id from its name, so every node computes the same id.
func (c Config) GroupID() uuid.UUID {
	return uuid.NewV5(groupNamespace, c.Name)
}
