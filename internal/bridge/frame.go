package bridge

import "encoding/json"

// frame is the wire format shared by events, API calls and API responses.
// The bridge multiplexes all three over one connection; which fields are set
// identifies the frame kind.
type frame struct {
	PostType      string `json:"post_type,omitempty"`
	MessageType   string `json:"message_type,omitempty"`
	MetaEventType string `json:"meta_event_type,omitempty"`
	GroupID       int64  `json:"group_id,omitempty"`
	UserID        int64  `json:"user_id,omitempty"`
	Message       string `json:"message,omitempty"`
	MessageID     int64  `json:"message_id,omitempty"`

	Status  string          `json:"status,omitempty"`
	Retcode int             `json:"retcode,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Echo    string          `json:"echo,omitempty"`
}

type apiCall struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
	Echo   string         `json:"echo"`
}

type apiResponse struct {
	Status  string
	Retcode int
}

func (f frame) isEvent() bool {
	return f.PostType != ""
}

func (f frame) isResponse() bool {
	return f.PostType == "" && f.Echo != ""
}
