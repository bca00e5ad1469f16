package server

import (
	"encoding/json"

	"github.com/google/uuid"

	"cellrunner/internal/kernel"
	"cellrunner/internal/procstat"
)

const protocolVersion = "5.3"

// Message is the envelope of everything sent over /kernel.
type Message struct {
	MsgID    string          `json:"msg_id"`
	ParentID string          `json:"parent_id,omitempty"`
	MsgType  string          `json:"msg_type"`
	Content  json.RawMessage `json:"content,omitempty"`

	// last closes the connection once the message is written.
	last bool
}

func newMessage(parentID, msgType string, content any) (Message, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return Message{}, err
	}
	return Message{
		MsgID:    uuid.NewString(),
		ParentID: parentID,
		MsgType:  msgType,
		Content:  raw,
	}, nil
}

type executeRequest struct {
	Code   string `json:"code"`
	CellID string `json:"cell_id,omitempty"`
	Silent bool   `json:"silent,omitempty"`
}

type executeReply struct {
	Status          kernel.Status  `json:"status"`
	ExecutionCount  int            `json:"execution_count"`
	CompileExitCode int            `json:"compile_exit_code"`
	RunExitCode     int            `json:"run_exit_code"`
	Signal          string         `json:"signal,omitempty"`
	Usage           procstat.Usage `json:"usage"`
}

type statusContent struct {
	ExecutionState string `json:"execution_state"`
}

type streamContent struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

type displayContent struct {
	Data     map[string]string `json:"data"`
	Metadata map[string]any    `json:"metadata"`
}

type languageInfo struct {
	Name          string `json:"name"`
	Mimetype      string `json:"mimetype"`
	FileExtension string `json:"file_extension"`
}

type kernelInfoReply struct {
	ProtocolVersion string       `json:"protocol_version"`
	Implementation  string       `json:"implementation"`
	SessionID       string       `json:"session_id"`
	LanguageInfo    languageInfo `json:"language_info"`
	Banner          string       `json:"banner"`
}

type okReply struct {
	Status string `json:"status"`
}

type errorContent struct {
	EName  string `json:"ename"`
	EValue string `json:"evalue"`
}
