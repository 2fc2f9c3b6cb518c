package broker

import (
	"errors"
	"fmt"

	"github.com/CberYellowstone/geminiproxy/internal/gemini"
)

var (
	// ErrGatewayTimeout means the executor did not answer a non-streaming
	// request within the configured timeout.
	ErrGatewayTimeout = errors.New("broker: executor response timed out")

	// ErrBadGateway means the request failed before a usable response,
	// for reasons other than a timeout or an executor-reported error.
	ErrBadGateway = errors.New("broker: request to executor failed")
)

// RemoteError is an error the executor reported from the upstream API. It is
// passed through to the caller with its original status code and detail.
type RemoteError struct {
	Code    int
	Message string
	Details any
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// newRemoteError wraps an envelope error status. A missing code maps to 500,
// matching how a malformed upstream error is treated.
func newRemoteError(st *gemini.Status) *RemoteError {
	code := st.Code
	if code == 0 {
		code = 500
	}
	return &RemoteError{Code: code, Message: st.Message, Details: st.Details}
}
