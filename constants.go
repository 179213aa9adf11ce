package cyclone

import "github.com/ehrlich-b/cyclone/internal/constants"

// Re-exported tunable defaults, mirroring internal/constants for embedders.
const (
	DefaultTimerLevels         = constants.DefaultTimerLevels
	DefaultTimerSlots          = constants.DefaultTimerSlots
	DefaultTimerBaseMs         = constants.DefaultTimerBaseMs
	DefaultCoalesceThresholdMs = constants.DefaultCoalesceThresholdMs
	DefaultCoalesceWindowMs    = constants.DefaultCoalesceWindowMs
	DefaultCoalesceMaxDelayMs  = constants.DefaultCoalesceMaxDelayMs

	DefaultFairnessBudget     = constants.DefaultFairnessBudget
	DefaultLocalStealAttempts = constants.DefaultLocalStealAttempts
	DefaultParkAfterRounds    = constants.DefaultParkAfterRounds
	DefaultParkPollInterval   = constants.DefaultParkPollInterval

	DefaultDequeCapacity = constants.DefaultDequeCapacity

	DefaultBufferMinClass = constants.DefaultBufferMinClass
	DefaultBufferMaxClass = constants.DefaultBufferMaxClass

	DefaultBatchSize   = constants.DefaultBatchSize
	DefaultBatchWindow = constants.DefaultBatchWindow

	DefaultIdleSleep   = constants.DefaultIdleSleep
	DefaultPollTimeout = constants.DefaultPollTimeout
)
