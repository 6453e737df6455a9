package endpoint

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/invopop/jsonschema"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/bedrock"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/googleai/vertex"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/mykhaliev/llmdispatch/config"
	"github.com/mykhaliev/llmdispatch/logger"
	"github.com/mykhaliev/llmdispatch/ratelimit"
)

// MultiProvider is a Client backed by one of six langchaingo-supported
// chat-completion backends, selected by config.Config.Provider. It holds no
// rate-limiting or retry logic of its own — the dispatcher's single shared
// ratelimit.Limiter owns that.
type MultiProvider struct {
	model      llms.Model
	retryAfter *ratelimit.RetryAfterHTTPClient
}

// NewMultiProvider constructs the langchaingo model for cfg.Provider,
// wiring provider-specific credentials, and (when captureRetryAfter is true)
// a Retry-After-capturing HTTP transport the dispatcher's rate limiter can
// consult for wait hints. The Amazon Bedrock and Vertex backends are built
// without that transport.
func NewMultiProvider(ctx context.Context, cfg *config.Config, captureRetryAfter bool) (*MultiProvider, error) {
	isEntraID := cfg.Provider == config.ProviderAzure && strings.EqualFold(cfg.AuthType, "entra_id")
	if cfg.Provider != config.ProviderVertex && !isEntraID && cfg.Token == "" {
		return nil, fmt.Errorf("endpoint: provider token is empty")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("endpoint: model is empty")
	}

	var retryAfterClient *ratelimit.RetryAfterHTTPClient
	if captureRetryAfter {
		retryAfterClient = ratelimit.NewRetryAfterHTTPClient(nil)
	}

	var model llms.Model
	var err error

	switch cfg.Provider {
	case config.ProviderOpenAI:
		opts := []openai.Option{openai.WithToken(cfg.Token), openai.WithModel(cfg.Model)}
		if retryAfterClient != nil {
			opts = append(opts, openai.WithHTTPClient(retryAfterClient))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		model, err = openai.New(opts...)

	case config.ProviderAzure:
		if cfg.APIVersion == "" {
			return nil, fmt.Errorf("endpoint: azure provider requires api_version")
		}
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("endpoint: azure provider requires base_url")
		}
		opts := []openai.Option{
			openai.WithModel(cfg.Model),
			openai.WithAPIVersion(cfg.APIVersion),
			openai.WithBaseURL(cfg.BaseURL),
		}
		if retryAfterClient != nil {
			opts = append(opts, openai.WithHTTPClient(retryAfterClient))
		}
		if isEntraID {
			cred, credErr := azidentity.NewDefaultAzureCredential(nil)
			if credErr != nil {
				return nil, fmt.Errorf("endpoint: azure credential: %w", credErr)
			}
			token, tokErr := cred.GetToken(ctx, policy.TokenRequestOptions{
				Scopes: []string{"https://cognitiveservices.azure.com/.default"},
			})
			if tokErr != nil {
				return nil, fmt.Errorf("endpoint: azure token: %w", tokErr)
			}
			opts = append(opts, openai.WithAPIType(openai.APITypeAzureAD), openai.WithToken(token.Token))
		} else {
			if cfg.Token == "" {
				return nil, fmt.Errorf("endpoint: azure provider requires token for api_key auth")
			}
			opts = append(opts, openai.WithAPIType(openai.APITypeAzure), openai.WithToken(cfg.Token))
		}
		model, err = openai.New(opts...)

	case config.ProviderAnthropic:
		opts := []anthropic.Option{anthropic.WithModel(cfg.Model), anthropic.WithToken(cfg.Token)}
		if retryAfterClient != nil {
			opts = append(opts, anthropic.WithHTTPClient(retryAfterClient))
		}
		model, err = anthropic.New(opts...)

	case config.ProviderAmazonAnthropic:
		awsCfg, cfgErr := awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Location),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.Token, cfg.Secret, "")),
		)
		if cfgErr != nil {
			return nil, fmt.Errorf("endpoint: aws config: %w", cfgErr)
		}
		brc := bedrockruntime.NewFromConfig(awsCfg)
		model, err = bedrock.New(bedrock.WithClient(brc), bedrock.WithModel(cfg.Model))

	case config.ProviderGoogle:
		opts := []googleai.Option{googleai.WithAPIKey(cfg.Token), googleai.WithDefaultModel(cfg.Model)}
		if retryAfterClient != nil {
			opts = append(opts, googleai.WithHTTPClient(retryAfterClient.Unwrap()))
		}
		model, err = googleai.New(ctx, opts...)

	case config.ProviderVertex:
		model, err = vertex.New(ctx,
			googleai.WithDefaultModel(cfg.Model),
			googleai.WithCloudProject(cfg.ProjectID),
			googleai.WithCloudLocation(cfg.Location),
			googleai.WithCredentialsFile(cfg.CredentialsPath),
		)

	default:
		return nil, fmt.Errorf("endpoint: unsupported provider type: %s", cfg.Provider)
	}

	if err != nil {
		return nil, fmt.Errorf("endpoint: create provider %s: %w", cfg.Provider, err)
	}
	if model == nil {
		return nil, fmt.Errorf("endpoint: provider %s created a nil model", cfg.Provider)
	}

	logger.Logger.Info("endpoint provider initialized", "provider", cfg.Provider, "model", cfg.Model)
	return &MultiProvider{model: model, retryAfter: retryAfterClient}, nil
}

// RetryAfterProvider exposes the underlying Retry-After capture transport,
// if one was configured, so the dispatcher's rate limiter can consult it.
func (p *MultiProvider) RetryAfterProvider() ratelimit.RetryAfterProvider {
	if p.retryAfter == nil {
		return nil
	}
	return p.retryAfter
}

// Chat implements Client by issuing a single user-role message call against
// the wrapped langchaingo model.
func (p *MultiProvider) Chat(ctx context.Context, model string, prompt string, temperature float64, maxTokens int, responseFormat *jsonschema.Schema) (ChatResponse, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}

	opts := []llms.CallOption{llms.WithTemperature(temperature)}
	if maxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(maxTokens))
	}
	if responseFormat != nil {
		opts = append(opts, llms.WithJSONMode())
	}

	resp, err := p.model.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return ChatResponse{}, classifyError(err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return ChatResponse{}, fmt.Errorf("endpoint: empty response from provider")
	}

	choice := resp.Choices[0]
	return ChatResponse{
		Content: choice.Content,
		Usage:   extractUsage(choice.GenerationInfo),
	}, nil
}

// classifyError wraps an error in a RateLimitError when its text looks like
// a provider rate-limit signal, so callers can type-switch rather than
// string-match.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if ratelimit.IsRateLimitError(err.Error()) {
		return &RateLimitError{Err: err}
	}
	return err
}

// extractUsage pulls prompt/completion/cached token counts out of the
// provider-specific GenerationInfo map, trying the several key-name variants
// different langchaingo backends populate.
func extractUsage(info map[string]any) Usage {
	if info == nil {
		return Usage{}
	}

	prompt := firstInt(info, "PromptTokens", "prompt_tokens", "input_tokens")
	completion := firstInt(info, "CompletionTokens", "completion_tokens", "output_tokens")
	cached := firstInt(info, "CachedTokens", "cached_tokens", "prompt_cache_hit_tokens")
	total := firstInt(info, "TotalTokens", "total_tokens")
	if total == 0 {
		total = prompt + completion
	}

	return Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		CachedTokens:     cached,
		TotalTokens:      total,
	}
}

func firstInt(info map[string]any, keys ...string) int {
	for _, k := range keys {
		if v, ok := info[k]; ok {
			if i := toInt(v); i > 0 {
				return i
			}
		}
	}
	return 0
}

func toInt(v any) int {
	switch val := v.(type) {
	case int:
		return val
	case int32:
		return int(val)
	case int64:
		return int(val)
	case float64:
		return int(val)
	case float32:
		return int(val)
	case string:
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return 0
}
