package backend

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

const (
	DefaultOpenAIURL  = "https://api.openai.com/v1/chat/completions"
	DefaultLocalURL   = "http://localhost:11434/v1/chat/completions"
	DefaultModel      = "gpt-4o-mini"
	DefaultLocalModel = "llama3.2"
)

// Settings are the user-facing knobs of the OpenAI-compatible backend.
type Settings struct {
	APIURL    string
	Model     string
	APIKey    string
	APIKeyCmd string
}

// Resolve picks each setting from flag, then environment, then config,
// then the built-in default. With a key but no URL the hosted endpoint is
// assumed; without a key, a local Ollama endpoint.
func Resolve(ctx context.Context, flags, conf Settings, getenv func(string) string) (Settings, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	var out Settings

	out.APIKey = firstNonEmpty(flags.APIKey, getenv("SHELLGATE_API_KEY"), getenv("OPENAI_API_KEY"), conf.APIKey)
	if out.APIKey == "" && conf.APIKeyCmd != "" {
		key, err := runKeyCommand(ctx, conf.APIKeyCmd)
		if err != nil {
			return Settings{}, err
		}
		out.APIKey = key
	}

	out.APIURL = firstNonEmpty(flags.APIURL, getenv("SHELLGATE_API_URL"), conf.APIURL)
	if out.APIURL == "" {
		if out.APIKey != "" {
			out.APIURL = DefaultOpenAIURL
		} else {
			out.APIURL = DefaultLocalURL
		}
	}

	out.Model = firstNonEmpty(flags.Model, getenv("SHELLGATE_MODEL"), conf.Model)
	if out.Model == "" {
		if out.APIURL == DefaultLocalURL {
			out.Model = DefaultLocalModel
		} else {
			out.Model = DefaultModel
		}
	}
	return out, nil
}

func runKeyCommand(ctx context.Context, command string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "sh", "-c", command).Output()
	if err != nil {
		return "", fmt.Errorf("api_key_cmd failed: %w", err)
	}
	key := strings.TrimSpace(string(out))
	if key == "" {
		return "", fmt.Errorf("api_key_cmd returned an empty key")
	}
	return key, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
