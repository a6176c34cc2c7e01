// Package config loads process environment from AWS Secrets Manager and
// .env files before the server reads its settings.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// SecretsClient is the subset of the Secrets Manager API used here.
type SecretsClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

func log(method string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{"package": "config", "method": method})
}

// LoadEnv pulls secrets from AWS Secrets Manager (if configured) and then loads
// local .env files. Variables already set win over .env values.
func LoadEnv(ctx context.Context, defaultEnvPath string) {
	secretID := os.Getenv("AWS_SECRETS_MANAGER_SECRET_ID")
	if secretID == "" {
		secretID = os.Getenv("AWS_SECRET_ID")
	}
	if secretID != "" {
		if err := loadAWSSecretsIntoEnv(ctx, secretID); err != nil {
			log("LoadEnv").WithError(err).Warn("skipping AWS Secrets Manager load")
		}
	} else {
		log("LoadEnv").Debug("AWS Secrets Manager: no secret id provided, skipping fetch")
	}
	loadDotEnv(defaultEnvPath)
}

func loadDotEnv(defaultEnvPath string) {
	envFile := os.Getenv("ENV_FILE_PATH")
	if envFile == "" {
		envFile = defaultEnvPath
	}

	if err := godotenv.Load(envFile); err != nil {
		if err := godotenv.Load(); err != nil {
			// env is injected in containers
			if os.Getenv("KUBERNETES_SERVICE_HOST") == "" {
				log("loadDotEnv").WithField("path", envFile).Info(".env file not found, using system environment variables")
			}
		}
	}
}

func loadAWSSecretsIntoEnv(ctx context.Context, secretID string) error {
	cfg, err := loadAWSConfig(ctx, os.Getenv("AWS_SECRETS_MANAGER_REGION"))
	if err != nil {
		return errors.Wrap(err, "load aws config")
	}
	versionStage := os.Getenv("AWS_SECRETS_MANAGER_VERSION_STAGE")
	if versionStage == "" {
		versionStage = "AWSCURRENT"
	}
	overwrite := strings.EqualFold(os.Getenv("AWS_SECRETS_MANAGER_OVERWRITE"), "true")

	applied, err := ApplySecret(ctx, secretsmanager.NewFromConfig(cfg), secretID, versionStage, overwrite)
	if err != nil {
		return err
	}
	log("loadAWSSecretsIntoEnv").WithFields(logrus.Fields{
		"secret_id": secretID,
		"applied":   applied,
		"overwrite": overwrite,
	}).Info("loaded env vars from AWS Secrets Manager")
	return nil
}

// ApplySecret fetches a JSON object secret and exports its keys as
// environment variables. Existing variables are kept unless overwrite is set.
// It returns the number of variables set.
func ApplySecret(ctx context.Context, client SecretsClient, secretID, versionStage string, overwrite bool) (int, error) {
	input := &secretsmanager.GetSecretValueInput{SecretId: aws.String(secretID)}
	if versionStage != "" {
		input.VersionStage = aws.String(versionStage)
	}

	output, err := client.GetSecretValue(ctx, input)
	if err != nil {
		return 0, errors.Wrapf(err, "fetching secret %s", secretID)
	}

	var payload string
	switch {
	case output.SecretString != nil:
		payload = *output.SecretString
	case len(output.SecretBinary) > 0:
		payload = string(output.SecretBinary)
	default:
		return 0, errors.Errorf("secret %s has no payload", secretID)
	}

	var kv map[string]any
	if err := json.Unmarshal([]byte(payload), &kv); err != nil {
		return 0, errors.Wrapf(err, "parsing secret %s as JSON", secretID)
	}

	applied := 0
	for key, val := range kv {
		if !overwrite && os.Getenv(key) != "" {
			continue
		}
		if err := os.Setenv(key, fmt.Sprint(val)); err != nil {
			return applied, errors.Wrapf(err, "setting env %s from secret", key)
		}
		applied++
	}
	return applied, nil
}

func loadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	if region != "" {
		return awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	}
	return awsconfig.LoadDefaultConfig(ctx)
}
