package registrar

import "encoding/json"

// Methods served by the registrar.
const (
	MethodRegisterAsVsCodeInstance = "registerAsVsCodeInstance"
	MethodAuthenticateClient       = "authenticateClient"
	MethodGetConfigFileName        = "getConfigFileName"
	MethodReloadConfig             = "reloadConfig"
	MethodAuthenticate             = "authenticate"
	MethodRequestToken             = "requestToken"
	MethodListInstances            = "listInstances"
	MethodChooseInstance           = "chooseInstance"
	MethodLastActiveInstance       = "lastActiveInstance"
)

// Methods the registrar calls on instances.
const (
	MethodAuthenticateVsCodeInstance = "authenticateVsCodeInstance"
	MethodRequestAccess              = "requestAccess"
	MethodCancelAccessRequest        = "cancelAccessRequest"
	MethodClientConnected            = "clientConnected"
	MethodClientDisconnected         = "clientDisconnected"
)

// Relay markers carried inside keyed params objects.
const (
	SourceClientIDParam = "sourceClientId"
	ServerToServerParam = "$serverToServer"
)

type RegisterInstanceParams struct {
	Name string `json:"name"`
	Port int    `json:"port"`
}

type SecretProbeParams struct {
	FilePathToRead string `json:"filePathToRead"`
}

type SecretProbeResult struct {
	Content string `json:"content"`
}

type AuthenticateParams struct {
	AppName string `json:"appName"`
	Token   string `json:"token"`
}

type RequestTokenParams struct {
	AppName string `json:"appName"`
}

type RequestTokenResult struct {
	Token string `json:"token"`
}

type RequestAccessParams struct {
	RequestID int64  `json:"requestId"`
	AppName   string `json:"appName"`
}

type RequestAccessResult struct {
	AccessGranted bool `json:"accessGranted"`
}

type CancelAccessRequestParams struct {
	RequestID int64 `json:"requestId"`
}

type ClientCountParams struct {
	ClientID       string `json:"clientId"`
	NewClientCount int    `json:"newClientCount"`
}

type ConfigFileNameResult struct {
	Path string `json:"path"`
}

type ReloadConfigResult struct {
	Records int `json:"records"`
}

// InstanceInfo is how an instance is described to external clients.
type InstanceInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Port int    `json:"port"`
}

// ServerToServer returns a copy of params marked for the
// instance-to-instance plane.
func ServerToServer(params map[string]any) map[string]any {
	out := make(map[string]any, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	out[ServerToServerParam] = true
	return out
}

// SourceOf returns the sourceClientId tag of relayed params, or "".
func SourceOf(params json.RawMessage) string {
	var tagged struct {
		Source string `json:"sourceClientId"`
	}
	if json.Unmarshal(params, &tagged) != nil {
		return ""
	}
	return tagged.Source
}
