package llm

import (
	"strings"

	"github.com/deepdive-labs/deepdive/internal/pricing"
)

// DetectProvider determines the provider from a model name. Names routed
// through an aggregator ("openai/gpt-4o") use the vendor prefix; otherwise
// the pricing table is consulted before falling back to name patterns.
func DetectProvider(model string) string {
	if model == "" {
		return "unknown"
	}
	if vendor, _, ok := strings.Cut(model, "/"); ok && vendor != "" {
		return normalizeVendor(strings.ToLower(vendor))
	}
	if provider := pricing.ProviderForModel(model); provider != "" {
		return provider
	}
	return detectProviderFromPattern(model)
}

func normalizeVendor(v string) string {
	switch v {
	case "meta-llama":
		return "meta"
	case "mistralai":
		return "mistral"
	case "x-ai":
		return "xai"
	}
	return v
}

// detectProviderFromPattern uses pattern matching to detect provider from model name.
func detectProviderFromPattern(model string) string {
	ml := strings.ToLower(model)

	switch {
	case strings.Contains(ml, "gpt-") || strings.HasPrefix(ml, "o1") || strings.HasPrefix(ml, "o3") ||
		strings.Contains(ml, "davinci") || strings.Contains(ml, "turbo"):
		return "openai"
	case strings.Contains(ml, "claude") || strings.Contains(ml, "opus") ||
		strings.Contains(ml, "sonnet") || strings.Contains(ml, "haiku"):
		return "anthropic"
	case strings.Contains(ml, "gemini") || strings.Contains(ml, "gemma"):
		return "google"
	case strings.Contains(ml, "deepseek"):
		return "deepseek"
	case strings.Contains(ml, "qwen"):
		return "qwen"
	case strings.Contains(ml, "grok"):
		return "xai"
	// Mistral before llama since some names overlap
	case strings.Contains(ml, "mistral") || strings.Contains(ml, "mixtral") || strings.Contains(ml, "codestral"):
		return "mistral"
	case strings.Contains(ml, "llama"):
		return "meta"
	case strings.Contains(ml, "command") || strings.Contains(ml, "cohere"):
		return "cohere"
	}
	return "unknown"
}
