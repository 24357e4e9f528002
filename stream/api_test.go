package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestGetExperiment(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/experiments/exp-1", r.URL.Path)
		assert.Equal(t, "Bearer test-jwt", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"status": "running",
			"conversation": {
				"id": "conv-1",
				"title": "Debate",
				"agents": [{"id": "agent-1", "name": "pro", "model": "sonnet"}],
				"messages": [
					{"id": "m-1", "agentId": "agent-1", "content": "a", "timestamp": "2026-08-24T10:00:00Z"}
				]
			},
			"conversations": [
				{"id": "run-1", "title": "Debate", "agents": [], "messages": [
					{"id": "r-1", "agentId": "agent-1", "content": "b", "timestamp": "2026-08-24T09:00:00Z"}
				]}
			],
			"iterations": 3,
			"current_iteration": 2
		}`))
	}))
	defer server.Close()

	api := NewParleyApi(server.URL)
	defer api.Close()
	api.SetByJwt("test-jwt")

	result, err := api.GetExperimentSync("exp-1")
	assert.Equal(t, err, nil)
	assert.Equal(t, "running", result.Status)
	assert.NotEqual(t, nil, result.Conversation)
	assert.Equal(t, "conv-1", result.Conversation.Id)
	assert.Equal(t, 1, len(result.Conversation.Messages))
	assert.Equal(t, 1, len(result.Conversations))
	assert.Equal(t, "run-1", result.Conversations[0].Id)
	assert.Equal(t, 3, result.Iterations)
	assert.Equal(t, 2, result.CurrentIteration)
}

func TestGetExperimentAsync(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status": "completed", "conversation": null, "conversations": []}`))
	}))
	defer server.Close()

	api := NewParleyApi(server.URL)
	defer api.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	callback, c := NewBlockingApiCallback[*ExperimentResult](ctx)
	api.GetExperiment("exp-1", callback)

	r := <-c
	assert.Equal(t, r.Error, nil)
	assert.Equal(t, "completed", r.Result.Status)
	assert.Equal(t, nil, r.Result.Conversation)
}

func TestGetExperimentNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	api := NewParleyApi(server.URL)
	defer api.Close()

	_, err := api.GetExperimentSync("exp-404")
	assert.NotEqual(t, err, nil)
}
