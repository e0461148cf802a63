package llm

import "strings"

// NormalizeBaseURL canonicalizes a provider base URL. OpenAI-compatible
// providers end in /v1; gemini ends at /models (the model name and action
// are appended per request). Azure deployments keep whatever path the
// operator configured.
func NormalizeBaseURL(providerType, baseURL string) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return defaultBaseURL(providerType)
	}

	switch providerType {
	case ProviderGemini:
		if !strings.HasSuffix(base, "/models") {
			base += "/models"
		}
	case ProviderAzureOpenAI:
		// Azure base URLs embed the deployment path; leave as configured.
	default:
		if !strings.HasSuffix(base, "/v1") {
			base += "/v1"
		}
	}
	return base
}

func defaultBaseURL(providerType string) string {
	switch providerType {
	case ProviderOpenAI:
		return "https://api.openai.com/v1"
	case ProviderDeepSeek:
		return "https://api.deepseek.com/v1"
	case ProviderAnthropic:
		return "https://api.anthropic.com/v1"
	case ProviderGemini:
		return "https://generativelanguage.googleapis.com/v1beta/models"
	default:
		return ""
	}
}
