// Package onebot 定义 OneBot v11 正向/反向 WebSocket 的事件与动作报文
package onebot

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// 事件类型
const (
	PostTypeMessage   = "message"
	PostTypeMetaEvent = "meta_event"
	PostTypeNotice    = "notice"
	PostTypeRequest   = "request"

	MessageTypeGroup   = "group"
	MessageTypePrivate = "private"

	MetaEventHeartbeat = "heartbeat"
	MetaEventLifecycle = "lifecycle"
)

// 动作名
const (
	ActionSendGroupMsg   = "send_group_msg"
	ActionSendPrivateMsg = "send_private_msg"
	ActionGetStatus      = "get_status"
	ActionGetLoginInfo   = "get_login_info"
)

// Sender 消息发送者
type Sender struct {
	UserID   int64  `json:"user_id"`
	Nickname string `json:"nickname"`
	Card     string `json:"card,omitempty"`
	Role     string `json:"role,omitempty"`
}

// DisplayName 群名片优先，其次昵称
func (s Sender) DisplayName() string {
	if s.Card != "" {
		return s.Card
	}
	return s.Nickname
}

// Segment 消息段
type Segment struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Event 上报事件，只保留中心关心的字段
type Event struct {
	Time          int64           `json:"time"`
	SelfID        int64           `json:"self_id"`
	PostType      string          `json:"post_type"`
	MessageType   string          `json:"message_type,omitempty"`
	SubType       string          `json:"sub_type,omitempty"`
	MetaEventType string          `json:"meta_event_type,omitempty"`
	NoticeType    string          `json:"notice_type,omitempty"`
	MessageID     int64           `json:"message_id,omitempty"`
	UserID        int64           `json:"user_id,omitempty"`
	GroupID       int64           `json:"group_id,omitempty"`
	Message       json.RawMessage `json:"message,omitempty"`
	RawMessage    string          `json:"raw_message,omitempty"`
	Sender        Sender          `json:"sender"`
}

// IsGroupMessage 群消息
func (e *Event) IsGroupMessage() bool {
	return e.PostType == PostTypeMessage && e.MessageType == MessageTypeGroup
}

// IsPrivateMessage 私聊消息
func (e *Event) IsPrivateMessage() bool {
	return e.PostType == PostTypeMessage && e.MessageType == MessageTypePrivate
}

// Text 提取纯文本。message 可能是字符串或消息段数组，只拼接 text 段
func (e *Event) Text() string {
	if len(e.Message) == 0 {
		return e.RawMessage
	}
	var s string
	if err := json.Unmarshal(e.Message, &s); err == nil {
		return s
	}
	var segments []Segment
	if err := json.Unmarshal(e.Message, &segments); err != nil {
		return e.RawMessage
	}
	var b strings.Builder
	for _, seg := range segments {
		if seg.Type != "text" {
			continue
		}
		var data struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(seg.Data, &data); err == nil {
			b.WriteString(data.Text)
		}
	}
	return b.String()
}

// Request 动作请求
type Request struct {
	Action string `json:"action"`
	Params any    `json:"params,omitempty"`
	Echo   string `json:"echo"`
}

// Response 动作响应
type Response struct {
	Status  string          `json:"status"`
	RetCode int             `json:"retcode"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
	Wording string          `json:"wording,omitempty"`
	Echo    json.RawMessage `json:"echo,omitempty"`
}

// OK 动作是否成功
func (r *Response) OK() bool {
	return r.Status == "ok" || (r.Status == "async" && r.RetCode == 1)
}

// EchoString 返回去掉引号的 echo
func (r *Response) EchoString() string {
	var s string
	if err := json.Unmarshal(r.Echo, &s); err == nil {
		return s
	}
	return string(r.Echo)
}

// Frame 一帧上行数据，事件与响应二选一
type Frame struct {
	Event    *Event
	Response *Response
}

// Decode 区分事件与动作响应：带 echo 且带 status 的是响应
func Decode(data []byte) (*Frame, error) {
	var probe struct {
		PostType string          `json:"post_type"`
		Status   string          `json:"status"`
		Echo     json.RawMessage `json:"echo"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}
	if probe.PostType == "" && probe.Status != "" && len(probe.Echo) > 0 && !bytes.Equal(probe.Echo, []byte("null")) {
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, err
		}
		return &Frame{Response: &resp}, nil
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &Frame{Event: &ev}, nil
}

// SendGroupMsgParams send_group_msg 参数
type SendGroupMsgParams struct {
	GroupID    int64  `json:"group_id"`
	Message    string `json:"message"`
	AutoEscape bool   `json:"auto_escape"`
}

// SendPrivateMsgParams send_private_msg 参数
type SendPrivateMsgParams struct {
	UserID     int64  `json:"user_id"`
	Message    string `json:"message"`
	AutoEscape bool   `json:"auto_escape"`
}

// LoginInfo get_login_info 返回
type LoginInfo struct {
	UserID   int64  `json:"user_id"`
	Nickname string `json:"nickname"`
}

// ParseID 校验并解析数字形式的 QQ 号或群号
func ParseID(s string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
