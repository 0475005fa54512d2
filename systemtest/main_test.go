package systemtest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/EternisAI/buildctl/internal/api"
	"github.com/EternisAI/buildctl/internal/credentials"
	"github.com/EternisAI/buildctl/internal/token"
	"github.com/EternisAI/buildctl/systemtest/buildapi"
	"github.com/EternisAI/buildctl/systemtest/tests"
)

const (
	testKeyID    = "ABC123DEFG"
	testIssuerID = "69a6de70-03db-47e3-e053-5b8c7c11a4d1"
)

func TestSystemIntegration(t *testing.T) {
	gin.SetMode(gin.TestMode)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	server := buildapi.NewServer(&key.PublicKey, testKeyID, testIssuerID)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	cred := credentials.Credential{
		KeyID:      testKeyID,
		IssuerID:   testIssuerID,
		PrivateKey: key,
	}
	client := newClient(ts.URL, cred)

	// A client signing with a key the API has never seen must be rejected.
	strangerKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	badClient := newClient(ts.URL, credentials.Credential{
		KeyID:      "ZZZ999ZZZZ",
		IssuerID:   testIssuerID,
		PrivateKey: strangerKey,
	})

	t.Run("WorkflowLifecycle", func(t *testing.T) { tests.TestWorkflowLifecycle(t, client) })
	t.Run("RetryAgainstFlakyServer", func(t *testing.T) { tests.TestRetryAgainstFlakyServer(t, client, server) })
	t.Run("CreateIsIdempotentAcrossRetries", func(t *testing.T) { tests.TestCreateIsIdempotentAcrossRetries(t, client, server) })
	t.Run("RejectedToken", func(t *testing.T) { tests.TestRejectedToken(t, badClient) })
	t.Run("UnknownRun", func(t *testing.T) { tests.TestUnknownRun(t, client) })
}

func newClient(baseURL string, cred credentials.Credential) *api.Client {
	tokens := token.NewCachedSigner(token.NewSigner(), cred)
	return api.NewClient(baseURL, tokens,
		api.WithTimeout(5*time.Second),
		api.WithBackOffFactory(func() backoff.BackOff {
			return backoff.NewConstantBackOff(time.Millisecond)
		}))
}
