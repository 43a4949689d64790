package models

import "time"

// ChannelMessage is an inbound or outbound message on a transport channel.
type ChannelMessage struct {
	ID             string    `json:"id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	Channel        string    `json:"channel"`
	ConversationID string    `json:"conversation_id,omitempty"`
	ThreadID       string    `json:"thread_id,omitempty"`
	ReplyTo        string    `json:"reply_to,omitempty"`
	Attachments    []string  `json:"attachments,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// ToolCallRecord captures one tool invocation inside an agent turn.
type ToolCallRecord struct {
	Tool      string `json:"tool"`
	Args      string `json:"args"`
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
	IsError   bool   `json:"is_error"`
	Iteration int    `json:"iteration"`
}

// ActionIntent is an audit record of a requested action. Intents are appended
// to the audit ledger whether or not the action ultimately executes.
type ActionIntent struct {
	ID          string    `json:"id"`
	ActionKind  string    `json:"action_kind"`
	Operator    string    `json:"operator"`
	EntityID    string    `json:"entity_id"`
	Payload     string    `json:"payload"`
	Decision    string    `json:"decision,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// AutonomyLevel bounds what the agent may do without a human in the loop.
type AutonomyLevel string

// Autonomy levels.
const (
	AutonomyReadOnly   AutonomyLevel = "read-only"
	AutonomySupervised AutonomyLevel = "supervised"
	AutonomyFull       AutonomyLevel = "full"
)

// ParseAutonomyLevel maps a config string to an AutonomyLevel.
func ParseAutonomyLevel(s string) (AutonomyLevel, bool) {
	switch AutonomyLevel(s) {
	case AutonomyReadOnly, AutonomySupervised, AutonomyFull:
		return AutonomyLevel(s), true
	case "":
		return AutonomySupervised, true
	default:
		return "", false
	}
}

// ForgetMode selects the fidelity of a forget operation.
type ForgetMode string

// Forget modes.
const (
	ForgetSoft      ForgetMode = "soft"
	ForgetHard      ForgetMode = "hard"
	ForgetTombstone ForgetMode = "tombstone"
)
