package bridge

import (
	"encoding/json"
	"fmt"
)

// Sidecar methods.
const (
	MethodInitialize  = "initialize"
	MethodSendMessage = "send_message"
	MethodGetState    = "get_state"
	MethodLogout      = "logout"
	MethodDestroy     = "destroy"
)

// Sidecar notifications.
const (
	NotifyQR           = "qr"
	NotifyReady        = "ready"
	NotifyAuthFailure  = "auth_failure"
	NotifyMessage      = "message"
	NotifyDisconnected = "disconnected"
)

// Request is a call from the daemon to the sidecar.
type Request struct {
	ID     string      `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

// Error is a sidecar-reported failure.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("bridge error %d: %s", e.Code, e.Message)
}

// Frame is any message read from the sidecar. Responses carry ID; notifications carry Event.
type Frame struct {
	ID     string          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
	Event  string          `json:"event,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type initializeParams struct {
	Tenant        string `json:"tenant"`
	CredentialDir string `json:"credentialDir"`
}

type sendParams struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

type sendResult struct {
	ID string `json:"id"`
}

type stateResult struct {
	State string `json:"state"`
}

type qrData struct {
	Data string `json:"data"`
}

type reasonData struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}
