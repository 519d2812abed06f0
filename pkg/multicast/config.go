package multicast

import (
	"time"

	"github.com/go-playground/validator/v10"
)

type Config struct {
	// Ordered enables total order for durable groups. Non-durable groups are
	// always FIFO per sender.
	Ordered bool
	// Pull drains outboxes through the transport's Feed/Sink model instead of
	// pushing bundles as soon as they are sealed.
	Pull bool

	MaxBundlingMessageCount int           `validate:"gte=1"`
	MaxBundlingSize         int           `validate:"gte=1"`
	MaxBundlingPeriod       time.Duration `validate:"gte=0"`

	// MaxUnacknowledgedMessageCount bounds the messages a sender retains before
	// Send reports ErrNotReady.
	MaxUnacknowledgedMessageCount int `validate:"gte=1"`
	// MaxUnacknowledgedPeriod is how long a member may leave a message
	// unacknowledged before it is reported failed. Members holding a flow lock
	// on the sender are exempt until they unlock.
	MaxUnacknowledgedPeriod time.Duration `validate:"gt=0"`

	LockQueueCapacity   int `validate:"gte=1"`
	UnlockQueueCapacity int `validate:"gte=0,ltfield=LockQueueCapacity"`

	// MaxIdleReceiveQueuePeriod is how long traffic for a membership that is not
	// installed yet is kept without new arrivals. Queues of the installed
	// membership are left to the next flush.
	MaxIdleReceiveQueuePeriod time.Duration `validate:"gt=0"`

	AckBatchSize int           `validate:"gte=1"`
	AckDelay     time.Duration `validate:"gte=0"`
}

func DefaultConfig() Config {
	return Config{
		Ordered:                       true,
		MaxBundlingMessageCount:       64,
		MaxBundlingSize:               64 << 10,
		MaxBundlingPeriod:             10 * time.Millisecond,
		MaxUnacknowledgedMessageCount: 4096,
		MaxUnacknowledgedPeriod:       30 * time.Second,
		LockQueueCapacity:             1024,
		UnlockQueueCapacity:           256,
		MaxIdleReceiveQueuePeriod:     time.Minute,
		AckBatchSize:                  32,
		AckDelay:                      20 * time.Millisecond,
	}
}

func (c Config) Validate() error {
	return validator.New().Struct(c)
}
