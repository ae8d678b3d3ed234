package credentials

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/aws/aws-sdk-go/service/secretsmanager/secretsmanageriface"
	"github.com/cyderes/ingest-pipeline/internal/config"
)

// SecretsManagerSource reads credentials from a single AWS Secrets Manager
// secret whose SecretString is a JSON object of name -> value.
type SecretsManagerSource struct {
	client   secretsmanageriface.SecretsManagerAPI
	secretID string
}

// NewSecretsManagerSource creates a source backed by AWS Secrets Manager
func NewSecretsManagerSource(cfg config.CredentialsConfig) (*SecretsManagerSource, error) {
	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(cfg.Region),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return &SecretsManagerSource{
		client:   secretsmanager.New(sess),
		secretID: cfg.SecretID,
	}, nil
}

func (s *SecretsManagerSource) Lookup(ctx context.Context, name string) (string, error) {
	out, err := s.client.GetSecretValueWithContext(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(s.secretID),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", s.secretID, err)
	}
	if out.SecretString == nil {
		return "", nil
	}

	var values map[string]string
	if err := json.Unmarshal([]byte(*out.SecretString), &values); err != nil {
		return "", fmt.Errorf("failed to unmarshal secret %s: %w", s.secretID, err)
	}
	return values[name], nil
}
