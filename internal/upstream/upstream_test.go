package upstream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Kinggodhoon/i-hear-you-backend/pkg/errors"
)

func TestTurnClient(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /credential", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "s3cret", r.URL.Query().Get("secretKey"))

		var body map[string]int
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 3600, body["expiryInSeconds"])

		_ = json.NewEncoder(w).Encode(Credential{
			Username:        "user",
			Password:        "pass",
			ExpiryInSeconds: 3600,
			APIKey:          "api-key",
		})
	})
	mux.HandleFunc("GET /credentials", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "api-key", r.URL.Query().Get("apiKey"))
		_, _ = io.WriteString(w, `[{"urls":"stun:stun.example.com"},{"urls":"turn:turn.example.com:443","username":"u","password":"p"}]`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := NewTurnClient(TurnConfig{BaseURL: srv.URL + "/", SecretKey: "s3cret", ExpirySeconds: 3600})
	ctx := context.Background()

	cred, err := client.GenerateCredential(ctx)
	require.NoError(t, err)
	assert.Equal(t, "api-key", cred.APIKey)
	assert.Equal(t, 3600, cred.ExpiryInSeconds)

	servers, err := client.IceServers(ctx, cred.APIKey)
	require.NoError(t, err)
	require.Len(t, servers, 2)
	assert.Equal(t, "stun:stun.example.com", servers[0].URLs)
	assert.Equal(t, "u", servers[1].Username)
}

func TestTurnClient_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
		},
		{
			name: "invalid json",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, "not json")
			},
		},
		{
			name: "timeout",
			handler: func(w http.ResponseWriter, r *http.Request) {
				time.Sleep(200 * time.Millisecond)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			t.Cleanup(srv.Close)

			client := NewTurnClient(TurnConfig{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
			_, err := client.GenerateCredential(context.Background())

			require.Error(t, err)
			assert.Equal(t, apperrors.ErrCodeUpstream, apperrors.As(err).Code)
		})
	}
}

func TestQuizmapClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/maps/metadata.json", r.URL.Path)
		_, _ = io.WriteString(w, `[{"title":"Animals","description":"zoo","quizCount":20,"thumbnail":"a.png","downloadLink":"a.iger"}]`)
	}))
	t.Cleanup(srv.Close)

	client := NewQuizmapClient(srv.URL+"/maps/", "/metadata.json", time.Second)
	maps, err := client.List(context.Background())
	require.NoError(t, err)
	require.Len(t, maps, 1)
	assert.Equal(t, Quizmap{
		Title:        "Animals",
		Description:  "zoo",
		QuizCount:    20,
		Thumbnail:    "a.png",
		DownloadLink: "a.iger",
	}, maps[0])
}

func TestQuizmapClient_NullListIsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `null`)
	}))
	t.Cleanup(srv.Close)

	maps, err := NewQuizmapClient(srv.URL, "metadata.json", time.Second).List(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, maps)
	assert.Empty(t, maps)
}

func TestModerationClient_RequestListing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bot bot-token", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))

		var payload map[string]string
		require.NoError(t, json.Unmarshal([]byte(r.FormValue("payload_json")), &payload))
		assert.Equal(t, "New Listing Request: Animals", payload["content"])

		file, header, err := r.FormFile("files[0]")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "fixed.iger", header.Filename)
		assert.Equal(t, "application/octet-stream", header.Header.Get("Content-Type"))

		content, err := io.ReadAll(file)
		require.NoError(t, err)
		assert.Equal(t, []byte("map-bytes"), content)

		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	client := NewModerationClient(srv.URL, "bot-token", time.Second)
	client.newName = func() string { return "fixed.iger" }

	require.NoError(t, client.RequestListing(context.Background(), "Animals", []byte("map-bytes")))
}

func TestModerationClient_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	err := NewModerationClient(srv.URL, "wrong", time.Second).RequestListing(context.Background(), "x", []byte("y"))
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeUpstream, apperrors.As(err).Code)
}
