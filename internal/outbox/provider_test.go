// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package outbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHTTPProviderSendAndLookup(t *testing.T) {
	var gotAuth, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/notifications":
			gotAuth = r.Header.Get("Authorization")
			var req sendRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			gotKey = req.IdempotencyKey
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(sendResponse{MessageID: "msg-42"})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/notifications/msg-42":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "secret-token", 5*time.Second)
	ctx := context.Background()

	msgID, err := p.Send(ctx, "team@example.com", `{"a":1}`, "key-1")
	require.NoError(t, err)
	require.Equal(t, "msg-42", msgID)
	require.Equal(t, "Bearer secret-token", gotAuth)
	require.Equal(t, "key-1", gotKey)

	exists, err := p.Lookup(ctx, "msg-42")
	require.NoError(t, err)
	require.True(t, exists)

	exists, err = p.Lookup(ctx, "msg-unknown")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestHTTPProviderSendErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "", 5*time.Second)
	_, err := p.Send(context.Background(), "team@example.com", "{}", "key-1")
	require.Error(t, err)
}
