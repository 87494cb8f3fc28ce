// Package protocol 定义子服与中心之间的 JSON-RPC 2.0 报文
package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// Version JSON-RPC 版本号
const Version = "2.0"

// 标准错误码
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Error JSON-RPC 错误对象
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewError 创建错误对象
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// ErrMethodNotFound 未知方法
func ErrMethodNotFound(method string) *Error {
	return &Error{Code: CodeMethodNotFound, Message: "Method not found", Data: method}
}

// ErrInvalidParams 参数缺失或类型错误
func ErrInvalidParams(detail string) *Error {
	return &Error{Code: CodeInvalidParams, Message: "Invalid params", Data: detail}
}

// Message 请求、通知与响应共用的报文结构
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// IsRequest 带 id 的方法调用
func (m *Message) IsRequest() bool {
	return m.Method != "" && hasID(m.ID)
}

// IsNotification 不需要响应的方法调用
func (m *Message) IsNotification() bool {
	return m.Method != "" && !hasID(m.ID)
}

// IsResponse 对先前请求的应答
func (m *Message) IsResponse() bool {
	return m.Method == "" && hasID(m.ID) && (m.Result != nil || m.Error != nil)
}

// IDString 返回去掉引号的 id，用于关联请求
func (m *Message) IDString() string {
	var s string
	if err := json.Unmarshal(m.ID, &s); err == nil {
		return s
	}
	return string(m.ID)
}

func hasID(id json.RawMessage) bool {
	return len(id) > 0 && !bytes.Equal(id, []byte("null"))
}

// Decode 解析一帧文本。返回的 *Error 可直接作为响应发回对端
func Decode(data []byte) (*Message, *Error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, NewError(CodeParseError, "Parse error")
	}
	if msg.JSONRPC != Version {
		return &msg, NewError(CodeInvalidRequest, "Invalid Request")
	}
	if msg.Method == "" && !msg.IsResponse() {
		return &msg, NewError(CodeInvalidRequest, "Invalid Request")
	}
	return &msg, nil
}

// Encode 编码报文
func Encode(msg *Message) ([]byte, error) {
	return json.Marshal(msg)
}

// NewRequest 创建请求，id 为空时创建通知
func NewRequest(id, method string, params any) (*Message, error) {
	msg := &Message{JSONRPC: Version, Method: method}
	if id != "" {
		raw, err := json.Marshal(id)
		if err != nil {
			return nil, err
		}
		msg.ID = raw
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		msg.Params = raw
	}
	return msg, nil
}

// NewResult 创建成功响应
func NewResult(id json.RawMessage, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Message{JSONRPC: Version, ID: responseID(id), Result: raw}, nil
}

// NewErrorResponse 创建错误响应
func NewErrorResponse(id json.RawMessage, rpcErr *Error) *Message {
	return &Message{JSONRPC: Version, ID: responseID(id), Error: rpcErr}
}

// 无法确定请求 id 时按规范回填 null
func responseID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// DecodeParams 解析参数，失败时返回 invalid params
func DecodeParams(raw json.RawMessage, v any) *Error {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ErrInvalidParams("params required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return ErrInvalidParams(err.Error())
	}
	return nil
}

// Connection 子服连接的抽象
type Connection interface {
	ServerID() int64
	ServerName() string
	RemoteAddr() string
	Send(msg *Message) error
	Close() error
}

// Handler 处理子服发来的请求或通知，返回值作为 result；
// 返回 *Error 时原样作为错误响应，其他错误按 internal error 处理
type Handler interface {
	Handle(ctx context.Context, conn Connection, msg *Message) (any, error)
}

// HandlerFunc 函数适配器
type HandlerFunc func(ctx context.Context, conn Connection, msg *Message) (any, error)

// Handle 实现 Handler
func (f HandlerFunc) Handle(ctx context.Context, conn Connection, msg *Message) (any, error) {
	return f(ctx, conn, msg)
}
