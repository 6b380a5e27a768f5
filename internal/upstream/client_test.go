// internal/upstream/client_test.go
package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repo-activity-chart/internal/apperr"
)

func setupTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	server := httptest.NewServer(handler)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	client := NewClient("", server.URL, 12, logger)
	return client, server
}

func TestClient_RepositoryInfo(t *testing.T) {
	t.Run("parses repository metadata", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, `{"data":{"repository":{"createdAt":"2020-01-01T00:00:00Z","issues":{"totalCount":10},"pullRequests":{"totalCount":5}},"rateLimit":{"remaining":4999,"resetAt":"2020-01-01T01:00:00Z"}}}`)
		})
		client, server := setupTestClient(t, handler)
		defer server.Close()

		info, err := client.RepositoryInfo(context.Background(), "owner", "repo")

		require.NoError(t, err)
		assert.Equal(t, 10, info.TotalIssues)
		assert.Equal(t, 5, info.TotalPRs)
		assert.Equal(t, 2020, info.CreatedAt.Year())
	})

	t.Run("returns NotFound when repository is null", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, `{"data":{"repository":null}}`)
		})
		client, server := setupTestClient(t, handler)
		defer server.Close()

		_, err := client.RepositoryInfo(context.Background(), "owner", "repo")

		require.Error(t, err)
		assert.True(t, apperr.Is(err, apperr.KindNotFound))
	})

	t.Run("classifies rate-limited upstream errors", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, `{"errors":[{"message":"quota exceeded","type":"RATE_LIMITED"}]}`)
		})
		client, server := setupTestClient(t, handler)
		defer server.Close()

		_, err := client.RepositoryInfo(context.Background(), "owner", "repo")

		require.Error(t, err)
		assert.True(t, apperr.Is(err, apperr.KindRateLimited))
	})

	t.Run("classifies other upstream errors as protocol errors", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, `{"errors":[{"message":"bad field"}]}`)
		})
		client, server := setupTestClient(t, handler)
		defer server.Close()

		_, err := client.RepositoryInfo(context.Background(), "owner", "repo")

		require.Error(t, err)
		assert.True(t, apperr.Is(err, apperr.KindProtocol))
	})

	t.Run("classifies non-2xx responses as transport errors", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
		client, server := setupTestClient(t, handler)
		defer server.Close()

		_, err := client.RepositoryInfo(context.Background(), "owner", "repo")

		require.Error(t, err)
		assert.True(t, apperr.Is(err, apperr.KindTransport))
	})
}

func TestClient_CountsAt(t *testing.T) {
	t.Run("empty input makes no network call", func(t *testing.T) {
		called := false
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
		})
		client, server := setupTestClient(t, handler)
		defer server.Close()

		result, err := client.CountsAt(context.Background(), "owner", "repo", nil)

		require.NoError(t, err)
		assert.Empty(t, result)
		assert.False(t, called)
	})

	t.Run("rejects batches larger than the configured ceiling", func(t *testing.T) {
		client := NewClient("", "http://unused", 2, slog.Default())
		dates := []time.Time{time.Now(), time.Now(), time.Now()}

		_, err := client.CountsAt(context.Background(), "owner", "repo", dates)

		require.Error(t, err)
		assert.True(t, apperr.Is(err, apperr.KindBatchTooLarge))
	})

	t.Run("decodes aliased search results into a date-keyed map", func(t *testing.T) {
		d := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
		alias := "ic_20240115"
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, `{"data":{"%s":{"issueCount":7},"icl_20240115":{"issueCount":3},"pc_20240115":{"issueCount":2},"pcl_20240115":{"issueCount":1},"pm_20240115":{"issueCount":1}}}`, alias)
		})
		client, server := setupTestClient(t, handler)
		defer server.Close()

		result, err := client.CountsAt(context.Background(), "owner", "repo", []time.Time{d})

		require.NoError(t, err)
		counts, ok := result["2024-01-15"]
		require.True(t, ok)
		assert.Equal(t, int64(7), counts.IssuesCreatedBefore)
		assert.Equal(t, int64(3), counts.IssuesClosedBefore)
		assert.Equal(t, int64(2), counts.PRsCreatedBefore)
		assert.Equal(t, int64(1), counts.PRsClosedBefore)
		assert.Equal(t, int64(1), counts.PRsMergedBefore)
	})
}

func TestEscapeGraphQLString(t *testing.T) {
	assert.Equal(t, `a\\b\"c`, escapeGraphQLString(`a\b"c`))
}
