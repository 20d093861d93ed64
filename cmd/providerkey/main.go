package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"studio/internal/infra"
	"studio/internal/infra/credentials"
)

var envByProvider = map[string]string{
	credentials.ProviderGemini: "GEMINI_API_KEY",
	credentials.ProviderQwen:   "DASHSCOPE_API_KEY",
	credentials.ProviderStream: "STREAM_API_KEY",
}

func main() {
	var (
		keyFlag      string
		providerFlag string
	)
	flag.StringVar(&keyFlag, "key", "", "API key for the selected provider (falls back to the environment)")
	flag.StringVar(&providerFlag, "provider", credentials.ProviderGemini, "Provider to configure (gemini, dashscope or stream)")
	flag.Parse()

	provider := strings.TrimSpace(strings.ToLower(providerFlag))
	if provider == "" {
		provider = credentials.ProviderGemini
	}
	envName, ok := envByProvider[provider]
	if !ok {
		fmt.Fprintf(os.Stderr, "unsupported provider %q\n", providerFlag)
		os.Exit(1)
	}

	key := strings.TrimSpace(keyFlag)
	if key == "" {
		key = strings.TrimSpace(os.Getenv(envName))
	}
	if key == "" {
		fmt.Fprintf(os.Stderr, "%s API key is required via -key or %s\n", provider, envName)
		os.Exit(1)
	}

	cfg, err := infra.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if !cfg.HasDatabase() {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect database: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	logger := infra.NewLogger("cli").With().Str("cmd", "providerkey").Str("provider", provider).Logger()
	runner := infra.NewSQLRunner(pool, logger)
	if err := infra.EnsureSchema(ctx, runner); err != nil {
		fmt.Fprintf(os.Stderr, "failed to ensure schema: %v\n", err)
		os.Exit(1)
	}

	props := map[string]any{"set_by": "providerkey", "set_at": time.Now().UTC().Format(time.RFC3339)}
	if err := credentials.NewStore(runner).SetToken(ctx, provider, key, props); err != nil {
		fmt.Fprintf(os.Stderr, "failed to persist %s api key: %v\n", provider, err)
		os.Exit(1)
	}

	fmt.Printf("%s API key stored successfully\n", provider)
}
