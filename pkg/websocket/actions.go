package websocket

// Request actions.
const (
	ActionHealthCheck = "health.check"

	ActionSessionOpen        = "session.open"
	ActionSessionPrompt      = "session.prompt"
	ActionSessionCancel      = "session.cancel"
	ActionSessionClose       = "session.close"
	ActionSessionReset       = "session.reset"
	ActionSessionRetry       = "session.retry"
	ActionSessionStatus      = "session.status"
	ActionSessionList        = "session.list"
	ActionSessionSubscribe   = "session.subscribe"
	ActionSessionUnsubscribe = "session.unsubscribe"

	ActionQueueCancel = "queue.cancel"
	ActionQueueUpdate = "queue.update"
)

// Notification actions pushed to subscribed clients.
const (
	ActionMessageAppended = "session.message.appended"
	ActionMessageUpdated  = "session.message.updated"
	ActionSessionID       = "session.id"
	ActionSessionLoading  = "session.loading"
	ActionSessionError    = "session.error"
	ActionSessionSnapshot = "session.snapshot"
	ActionSessionClosed   = "session.closed"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeConflict      = "CONFLICT"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
