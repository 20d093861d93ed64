// Package credentials stores upstream API keys in the integration_tokens
// table so workers can run without keys in their environment.
package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"studio/internal/infra"
	"studio/internal/sqlinline"
)

const (
	ProviderGemini = "gemini"
	ProviderQwen   = "dashscope"
	ProviderStream = "stream"
)

type Store struct {
	sql infra.SQLExecutor
}

func NewStore(sql infra.SQLExecutor) *Store {
	return &Store{sql: sql}
}

// Token returns the stored token for provider, or "" when none is stored.
func (s *Store) Token(ctx context.Context, provider string) (string, error) {
	row := s.sql.QueryRow(ctx, sqlinline.QSelectIntegrationToken, provider)
	var token string
	if err := row.Scan(&token); err != nil {
		if infra.IsNoRows(err) {
			return "", nil
		}
		return "", fmt.Errorf("credentials: load %s token: %w", provider, err)
	}
	return strings.TrimSpace(token), nil
}

// Resolve prefers the configured value and falls back to the stored token.
func (s *Store) Resolve(ctx context.Context, provider, configured string) (string, error) {
	if v := strings.TrimSpace(configured); v != "" {
		return v, nil
	}
	return s.Token(ctx, provider)
}

// SetToken upserts the token for provider.
func (s *Store) SetToken(ctx context.Context, provider, token string, props map[string]any) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("credentials: %s token is required", provider)
	}
	if props == nil {
		props = map[string]any{}
	}
	raw, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("credentials: encode properties: %w", err)
	}
	_, err = s.sql.Exec(ctx, sqlinline.QUpsertIntegrationToken, uuid.New(), provider, token, raw)
	return err
}
