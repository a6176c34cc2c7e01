package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSecrets struct {
	out   *secretsmanager.GetSecretValueOutput
	err   error
	input *secretsmanager.GetSecretValueInput
}

func (f *fakeSecrets) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.input = in
	return f.out, f.err
}

func TestApplySecret(t *testing.T) {
	t.Setenv("IDSRV_TEST_KEEP", "original")
	t.Setenv("IDSRV_TEST_NEW", "")
	client := &fakeSecrets{out: &secretsmanager.GetSecretValueOutput{
		SecretString: aws.String(`{"IDSRV_TEST_KEEP":"secret","IDSRV_TEST_NEW":"value","IDSRV_TEST_NUM":42}`),
	}}
	t.Setenv("IDSRV_TEST_NUM", "")

	applied, err := ApplySecret(context.Background(), client, "identity/prod", "AWSCURRENT", false)
	require.NoError(t, err)
	assert.Equal(t, 2, applied)
	assert.Equal(t, "original", os.Getenv("IDSRV_TEST_KEEP"))
	assert.Equal(t, "value", os.Getenv("IDSRV_TEST_NEW"))
	assert.Equal(t, "42", os.Getenv("IDSRV_TEST_NUM"))
	assert.Equal(t, "identity/prod", aws.ToString(client.input.SecretId))
	assert.Equal(t, "AWSCURRENT", aws.ToString(client.input.VersionStage))

	applied, err = ApplySecret(context.Background(), client, "identity/prod", "", true)
	require.NoError(t, err)
	assert.Equal(t, 3, applied)
	assert.Equal(t, "secret", os.Getenv("IDSRV_TEST_KEEP"))
}

func TestApplySecretErrors(t *testing.T) {
	ctx := context.Background()

	_, err := ApplySecret(ctx, &fakeSecrets{err: errors.New("denied")}, "s", "", false)
	assert.ErrorContains(t, err, "denied")

	_, err = ApplySecret(ctx, &fakeSecrets{out: &secretsmanager.GetSecretValueOutput{}}, "s", "", false)
	assert.ErrorContains(t, err, "no payload")

	_, err = ApplySecret(ctx, &fakeSecrets{out: &secretsmanager.GetSecretValueOutput{SecretBinary: []byte("not json")}}, "s", "", false)
	assert.ErrorContains(t, err, "parsing secret")
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte("IDSRV_DOTENV_VALUE=from-file\n"), 0o600))
	t.Setenv("ENV_FILE_PATH", path)
	t.Setenv("IDSRV_DOTENV_VALUE", "")
	require.NoError(t, os.Unsetenv("IDSRV_DOTENV_VALUE"))

	loadDotEnv("unused.env")
	assert.Equal(t, "from-file", os.Getenv("IDSRV_DOTENV_VALUE"))
}
