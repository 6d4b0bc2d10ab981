package llm

const groqBaseURL = "https://api.groq.com/openai/v1"

// NewGroqLLM returns a streaming client for Groq's OpenAI-compatible API.
func NewGroqLLM(apiKey string, model string) *OpenAILLM {
	if model == "" {
		model = "llama-3.3-70b-versatile"
	}
	return NewOpenAICompatibleLLM(apiKey, groqBaseURL, model, "groq-llm")
}
