package errors

const (
	HttpInternalError       = "internal_error"
	HttpInvalidJsonError    = "invalid_json"
	HttpStorageError        = "storage_unavailable"
	HttpUnknownMessageError = "inbox_message_not_found"
	HttpInvalidPaymentError = "invalid_payment"
)

// ErrorResponse is the error response body for local API errors.
type ErrorResponse struct {
	ErrorType string      `json:"error_type"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
}
