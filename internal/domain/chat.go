package domain

// ChatMessage is the provider-agnostic chat message shape exchanged between
// the follow-up prompt builder and the LLM integration.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
