package config

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/goccy/go-json"
)

// SecretsManagerAPI is the subset of the Secrets Manager client used here.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSSecretSource reads tenant connection strings from AWS Secrets Manager.
//
// A secret may hold the connection string itself, a JSON object with a "url", "dsn" or
// "connectionString" key, or the RDS credential layout (host, port, username, password, dbname).
type AWSSecretSource struct {
	client SecretsManagerAPI
}

// NewAWSSecretSource builds a source from the default AWS credential chain. region may be
// empty to use the chain's region.
func NewAWSSecretSource(ctx context.Context, region string) (*AWSSecretSource, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if r := strings.TrimSpace(region); r != "" {
		opts = append(opts, awsconfig.WithRegion(r))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewAWSSecretSourceWithClient(secretsmanager.NewFromConfig(cfg)), nil
}

// NewAWSSecretSourceWithClient wraps an existing client.
func NewAWSSecretSourceWithClient(client SecretsManagerAPI) *AWSSecretSource {
	return &AWSSecretSource{client: client}
}

// SecretString returns the connection string stored under id.
func (s *AWSSecretSource) SecretString(ctx context.Context, id string) (string, error) {
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(id),
	})
	if err != nil {
		return "", fmt.Errorf("get secret value: %w", err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secret %q has no string value", id)
	}
	return dsnFromSecret(*out.SecretString)
}

type rdsSecret struct {
	URL              string `json:"url"`
	DSN              string `json:"dsn"`
	ConnectionString string `json:"connectionString"`
	Engine           string `json:"engine"`
	Host             string `json:"host"`
	Port             any    `json:"port"`
	Username         string `json:"username"`
	Password         string `json:"password"`
	DBName           string `json:"dbname"`
}

func dsnFromSecret(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") {
		return trimmed, nil
	}
	var payload rdsSecret
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return "", fmt.Errorf("decode secret payload: %w", err)
	}
	for _, candidate := range []string{payload.URL, payload.DSN, payload.ConnectionString} {
		if c := strings.TrimSpace(candidate); c != "" {
			return c, nil
		}
	}
	if payload.Host == "" || payload.Username == "" {
		return "", fmt.Errorf("secret payload has neither a connection string nor host credentials")
	}
	host := payload.Host
	if port := fmt.Sprint(payload.Port); payload.Port != nil && port != "" {
		host = net.JoinHostPort(payload.Host, strings.TrimSuffix(port, ".0"))
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(payload.Username, payload.Password),
		Host:   host,
		Path:   "/" + payload.DBName,
	}
	return u.String(), nil
}
