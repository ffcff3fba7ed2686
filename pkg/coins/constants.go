package coins

// Operation names reported through OperationLogger.
const (
	OperationOpenAccount     = "open_account"
	OperationStartTopUp      = "start_topup"
	OperationGatewayEvent    = "gateway_event"
	OperationRefreshIntent   = "refresh_intent"
	OperationPurchaseChapter = "purchase_chapter"
	OperationExpireIntents   = "expire_intents"
	OperationCreditRefund    = "credit_refund"
)

// Operation statuses and outcomes reported through OperationLogger.
const (
	OperationStatusOK    = "ok"
	OperationStatusError = "error"

	LogOutcomeApplied        = "applied"
	LogOutcomeAlreadyApplied = "already_applied"
	LogOutcomeAlreadyOwned   = "already_owned"
	LogOutcomeReconciled     = "reconciled"
	LogOutcomeFree           = "free"
	LogOutcomeNoop           = "noop"
	LogOutcomeSettled        = "settled"
	LogOutcomeFailed         = "failed"
	LogOutcomeExpired        = "expired"
)

const (
	idempotencyKeyDelimiter      = ":"
	idempotencyPrefixChapter     = "chapter_purchase"
	metadataKeyChapterID         = "chapter_id"
	metadataKeyStoryID           = "story_id"
	metadataKeyPackageID         = "package_id"
	metadataKeyOrderRef          = "order_ref"
	maxConflictRetries           = 3
	defaultListLimit             = 50
	maxListLimit                 = 200
	defaultExpireBatchSize       = 100
	errorOperationService        = "service"
	errorSubjectChapter          = "chapter"
	errorSubjectEvent            = "event"
	errorSubjectIntent           = "intent"
	errorSubjectPackage          = "package"
	errorSubjectList             = "list"
	errorCodeConflict            = "conflict"
	errorCodeMismatch            = "mismatch"
	errorCodeInvalid             = "invalid"
	errorCodeStoryMismatch       = "story_mismatch"
	errorCodeReconciliationGrant = "reconciliation_grant"
	errorCodeReservedKey         = "reserved_key"
	errorCodeLimit               = "limit"
)
