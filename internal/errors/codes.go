package errors

// Stable error codes surfaced to callers. Handlers and clients branch on these,
// so additions are fine but renames are breaking.
const (
	// Ingestion
	CodeInvalidEntry     = "INVALID_ENTRY"
	CodeMessageTooLong   = "MESSAGE_TOO_LONG"
	CodeBatchRejected    = "BATCH_REJECTED"
	CodePipelineStopped  = "PIPELINE_STOPPED"
	CodeDeadLetterFull   = "DEAD_LETTER_FULL"
	CodeBusUnavailable   = "BUS_UNAVAILABLE"

	// Query
	CodeInvalidTimeRange    = "INVALID_TIME_RANGE"
	CodeInvalidQuery        = "INVALID_QUERY"
	CodeStorageUnavailable  = "STORAGE_UNAVAILABLE"
	CodeDependencyDown      = "DEPENDENCY_UNAVAILABLE"
	CodeQueryTimeout        = "QUERY_TIMEOUT"

	// Storage
	CodeTierNotRegistered = "TIER_NOT_REGISTERED"
	CodeDuplicateEntry    = "DUPLICATE_ENTRY"
	CodeMigrationFailed   = "MIGRATION_FAILED"
	CodeRestoreRequired   = "RESTORE_REQUIRED"

	// Pool / resources
	CodeAcquireTimeout    = "ACQUIRE_TIMEOUT"
	CodePoolShutDown      = "POOL_CLOSED"
	CodePoolExhausted     = "POOL_EXHAUSTED"
	CodeOverloaded        = "OVERLOADED"
	CodeCeilingBreached   = "CEILING_BREACHED"
	CodeCircuitOpen       = "CIRCUIT_OPEN"

	// Subscriptions
	CodeSubscriptionNotFound = "SUBSCRIPTION_NOT_FOUND"
	CodeSubscriberOverflow   = "SUBSCRIBER_OVERFLOW"
)
