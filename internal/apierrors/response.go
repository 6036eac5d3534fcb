package apierrors

import (
	"github.com/gin-gonic/gin"
)

// APIError represents the JSON error response structure
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

// Body is the envelope every error response uses.
type Body struct {
	Error APIError `json:"error"`
}

func (e APIError) String() string {
	if e.Hint == "" {
		return e.Message + " (" + e.Code + ")"
	}
	return e.Message + " (" + e.Code + "); " + e.Hint
}

// Error sends an error response using a registered error code
// It looks up the code in the registry for HTTP status, default message and hint
func Error(c *gin.Context, code string) {
	c.JSON(Registry.HTTPStatus(code), Body{Error: New(code)})
}

// ErrorWithMessage sends an error response with a custom message
// Useful when the message needs dynamic content (e.g., the failing plugin)
func ErrorWithMessage(c *gin.Context, code, message string) {
	c.JSON(Registry.HTTPStatus(code), Body{Error: NewWithMessage(code, message)})
}

// ErrorWithStatus sends an error response with a custom HTTP status
// Use when the registered status isn't appropriate for the context
func ErrorWithStatus(c *gin.Context, status int, code, message string) {
	c.JSON(status, Body{Error: NewWithMessage(code, message)})
}

// Abort sends the error and stops the handler chain.
func Abort(c *gin.Context, code, message string) {
	ErrorWithMessage(c, code, message)
	c.Abort()
}

// New creates an APIError without sending a response
func New(code string) APIError {
	return APIError{
		Code:    code,
		Message: Registry.Message(code),
		Hint:    Registry.Hint(code),
	}
}

// NewWithMessage creates an APIError with a custom message and the
// registered hint
func NewWithMessage(code, message string) APIError {
	return APIError{
		Code:    code,
		Message: message,
		Hint:    Registry.Hint(code),
	}
}
