package paramstore

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
)

type fakeSSM struct {
	values  map[string]string
	err     error
	calls   int
	names   []string
	decrypt []bool
}

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.calls++
	f.names = append(f.names, *in.Name)
	f.decrypt = append(f.decrypt, in.WithDecryption != nil && *in.WithDecryption)
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.values[*in.Name]
	if !ok {
		return &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: in.Name}}, nil
	}
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{
		Name:  in.Name,
		Value: &v,
		Type:  types.ParameterTypeSecureString,
	}}, nil
}

var (
	_ Getter = (*Client)(nil)
	_ Getter = Static(nil)
)

func TestClient_ReadsDecryptedSecret(t *testing.T) {
	api := &fakeSSM{values: map[string]string{"/pinecone/line-channel-secret": "s3cret"}}
	c, err := New(api)
	require.NoError(t, err)

	v, err := c.GetParameter(context.Background(), "/pinecone/line-channel-secret")
	require.NoError(t, err)
	require.Equal(t, "s3cret", v)
	require.Equal(t, []bool{true}, api.decrypt)
}

func TestClient_CachesTrimmedName(t *testing.T) {
	api := &fakeSSM{values: map[string]string{"/pinecone/open-ai-token": "sk-1"}}
	c, err := New(api)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		v, err := c.GetParameter(context.Background(), " /pinecone/open-ai-token ")
		require.NoError(t, err)
		require.Equal(t, "sk-1", v)
	}
	require.Equal(t, 1, api.calls)
	require.Equal(t, []string{"/pinecone/open-ai-token"}, api.names)
}

func TestClient_NoCacheRefetchesEveryTime(t *testing.T) {
	api := &fakeSSM{values: map[string]string{"/p/mysql-dsn": "dsn"}}
	c, err := New(api, WithCacheTTL(0))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := c.GetParameter(context.Background(), "/p/mysql-dsn")
		require.NoError(t, err)
	}
	require.Equal(t, 2, api.calls)
}

func TestClient_FailureIsNotCached(t *testing.T) {
	api := &fakeSSM{err: errors.New("ThrottlingException")}
	c, err := New(api)
	require.NoError(t, err)

	_, err = c.GetParameter(context.Background(), "/p/gemini-token")
	require.ErrorContains(t, err, "ThrottlingException")

	api.err = nil
	api.values = map[string]string{"/p/gemini-token": "g-1"}
	v, err := c.GetParameter(context.Background(), "/p/gemini-token")
	require.NoError(t, err)
	require.Equal(t, "g-1", v)
	require.Equal(t, 2, api.calls)
}

func TestClient_Rejections(t *testing.T) {
	_, err := New(nil)
	require.ErrorContains(t, err, "must not be nil")

	_, err = (&Client{}).GetParameter(context.Background(), "/p/x")
	require.ErrorContains(t, err, "not initialized")

	c, err := New(&fakeSSM{})
	require.NoError(t, err)
	_, err = c.GetParameter(context.Background(), "  ")
	require.ErrorContains(t, err, "required")

	_, err = c.GetParameter(context.Background(), "/p/unset")
	require.ErrorContains(t, err, "missing value")
}
