// Package protocol defines the bridge wire envelope: one JSON request per
// connection, answered by one JSON response terminated with a newline.
package protocol

import (
	"encoding/json"
	"slices"
)

const (
	CmdCreateContext      = "create-context"
	CmdDestroyContext     = "destroy-context"
	CmdLoadModuleFromPath = "load-module-from-path"
	CmdLoadModuleBytes    = "load-module-from-bytes"
	CmdCreateInstance     = "create-instance"
	CmdInvoke             = "invoke"
	CmdReleaseInstance    = "release-instance"
	CmdStopServer         = "stop-server"
	CmdListContexts       = "list-contexts"
	CmdListModules        = "list-modules"
	CmdPing               = "ping"
)

// MaxTimeoutMs bounds a request's timeoutMs to one day.
const MaxTimeoutMs int64 = 24 * 60 * 60 * 1000

// Commands lists every command the router dispatches, in table order.
var Commands = []string{
	CmdCreateContext,
	CmdDestroyContext,
	CmdLoadModuleFromPath,
	CmdLoadModuleBytes,
	CmdCreateInstance,
	CmdInvoke,
	CmdReleaseInstance,
	CmdStopServer,
	CmdListContexts,
	CmdListModules,
	CmdPing,
}

// Request is the decoded request envelope. Fields not used by a command are
// ignored. CtorArgsJSON and ArgsJSON carry a JSON array encoded as a string.
type Request struct {
	Cmd          string `json:"cmd"`
	AuthToken    string `json:"authToken,omitempty"`
	ContextID    string `json:"contextId,omitempty"`
	Path         string `json:"path,omitempty"`
	Alias        string `json:"alias,omitempty"`
	BytesBase64  string `json:"bytesBase64,omitempty"`
	Name         string `json:"name,omitempty"`
	TypeName     string `json:"typeName,omitempty"`
	CtorArgsJSON string `json:"ctorArgsJson,omitempty"`
	MethodName   string `json:"methodName,omitempty"`
	IsStatic     *bool  `json:"isStatic,omitempty"`
	InstanceID   string `json:"instanceId,omitempty"`
	ArgsJSON     string `json:"argsJson,omitempty"`
	TimeoutMs    *int64 `json:"timeoutMs,omitempty"`
}

type ContextInfo struct {
	ID        string `json:"id"`
	Modules   int    `json:"modules"`
	Instances int    `json:"instances"`
}

type ModuleInfo struct {
	Alias  string   `json:"alias"`
	Name   string   `json:"name"`
	Kind   string   `json:"kind"`
	Source string   `json:"source"`
	Types  []string `json:"types"`
}

// Response always carries Success. Failures carry Error and Code; successes
// carry the fields of their command.
type Response struct {
	Success    bool            `json:"success"`
	Error      string          `json:"error,omitempty"`
	Code       string          `json:"code,omitempty"`
	ContextID  string          `json:"contextId,omitempty"`
	ModuleName string          `json:"moduleName,omitempty"`
	InstanceID string          `json:"instanceId,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Released   *bool           `json:"released,omitempty"`
	Contexts   []ContextInfo   `json:"contexts,omitzero"`
	Modules    []ModuleInfo    `json:"modules,omitzero"`
}

func OK() Response {
	return Response{Success: true}
}

func Fail(code, msg string) Response {
	return Response{Success: false, Error: msg, Code: code}
}

// Encode marshals resp and appends the newline terminator.
func Encode(resp Response) []byte {
	b, err := json.Marshal(resp)
	if err != nil {
		b, _ = json.Marshal(Fail("INTERNAL", "encode response: "+err.Error()))
	}
	return append(b, '\n')
}

// Decode parses a response line.
func Decode(raw []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Response{}, err
	}
	return resp, nil
}

// Known reports whether cmd is in the command table.
func Known(cmd string) bool {
	return slices.Contains(Commands, cmd)
}
