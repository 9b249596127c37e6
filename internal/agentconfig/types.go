package agentconfig

// TelephonyConfig carries the SIP binding for an agent.
type TelephonyConfig struct {
	PhoneNumber string `json:"phone_number"`
	SIPTrunkID  string `json:"sip_trunk_id"`
}

// FeatureToggles are the optional behaviours an agent can enable.
type FeatureToggles struct {
	Memory   bool `json:"memory"`
	FollowUp bool `json:"follow_up"`
}

// AgentConfig is the per-session agent configuration snapshot. Provider
// fields hold "provider:model" identifiers.
type AgentConfig struct {
	AgentID     string `json:"agent_id"`
	Handle      string `json:"handle"`
	Name        string `json:"name"`
	CompanyName string `json:"company_name"`
	SpaceToken  string `json:"space_token"`

	STTProvider string `json:"stt_provider"`
	LLMProvider string `json:"llm_provider"`
	TTSProvider string `json:"tts_provider"`
	Voice       string `json:"voice"`

	Language        string   `json:"language"`
	Tone            string   `json:"tone"` // professional | casual
	CallType        string   `json:"call_type"`
	CustomPersona   string   `json:"custom_persona"`
	StrictScript    bool     `json:"strict_script"`
	KnowledgeTokens []string `json:"knowledge_tokens"`

	Telephony TelephonyConfig `json:"telephony"`
	Features  FeatureToggles  `json:"features"`

	WebhookURL   string `json:"webhook_url"`
	MaxFollowups int    `json:"max_followups"`
}

// SessionMetadata is what the transport layer knows about an incoming
// session before an agent has been resolved.
type SessionMetadata struct {
	AgentHandle  string `json:"agent_handle"`
	SpaceToken   string `json:"space_token"`
	SessionID    string `json:"session_id"`
	ThreadID     string `json:"thread_id"`
	CallID       string `json:"call_id"`
	CallType     string `json:"call_type"`
	InboundSIP   bool   `json:"inbound_sip"`
	DialedNumber string `json:"dialed_number"`
	ContactName  string `json:"contact_name"`
	ContactPhone string `json:"contact_phone"`
}
