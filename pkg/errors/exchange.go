package errors

// ExchangeDomain is the domain for exchange-connectivity errors.
const ExchangeDomain = "exchange"

// Exchange error codes.
const (
	// ExErrAuthFailed indicates request signing or credential validation failed.
	ExErrAuthFailed = "EX_AUTH_FAILED"
	// ExErrRateLimited indicates the exchange throttled the request.
	ExErrRateLimited = "EX_RATE_LIMITED"
	// ExErrOrderRejected indicates the exchange rejected an order.
	ExErrOrderRejected = "EX_ORDER_REJECTED"
	// ExErrOrderNotFound indicates an unknown order id.
	ExErrOrderNotFound = "EX_ORDER_NOT_FOUND"
	// ExErrStreamDisconnected indicates a market-data stream dropped.
	ExErrStreamDisconnected = "EX_STREAM_DISCONNECTED"
	// ExErrSubscribeFailed indicates a stream subscription was refused.
	ExErrSubscribeFailed = "EX_SUBSCRIBE_FAILED"
	// ExErrUnavailable indicates the exchange endpoint is unreachable.
	ExErrUnavailable = "EX_UNAVAILABLE"
	// ExErrBadSymbol indicates a symbol unknown to the exchange.
	ExErrBadSymbol = "EX_BAD_SYMBOL"
)

// Exchange operations.
const (
	OpPlaceOrder     = "PlaceOrder"
	OpCancelOrder    = "CancelOrder"
	OpFetchBalances  = "FetchBalances"
	OpFetchPositions = "FetchPositions"
	OpSubscribe      = "Subscribe"
	OpUnsubscribe    = "Unsubscribe"
	OpStreamConnect  = "StreamConnect"
	OpSignRequest    = "SignRequest"
	OpPublishReport  = "PublishReport"
)

// ExchangeError creates a classified exchange error.
func ExchangeError(code, operation, message string, original error) error {
	return &Error{
		Domain:    ExchangeDomain,
		Code:      code,
		Operation: operation,
		Message:   message,
		Original:  original,
	}
}
