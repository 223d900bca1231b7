package chatscope

import (
	"context"
	"encoding/json"
	"errors"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

// mockOpenAIClient implements OpenAIClient
type mockOpenAIClient struct {
	mock.Mock
}

func (m *mockOpenAIClient) CreateChatCompletion(
	ctx context.Context,
	request openai.ChatCompletionRequest,
) (openai.ChatCompletionResponse, error) {
	args := m.Called(ctx, request)
	return args.Get(0).(openai.ChatCompletionResponse), args.Error(1)
}

func newTestOpenAIConfig() *OpenAIConfig {
	level := &slog.LevelVar{}
	level.Set(slog.LevelWarn)
	return &OpenAIConfig{
		Token:    "sk-test",
		Model:    DefaultOpenAIModel,
		LogLevel: level,
	}
}

func TestOpenAI_CreateChatCompletion(t *testing.T) {
	t.Parallel()
	o := newOpenAI(newTestOpenAIConfig(), nil)
	client := &mockOpenAIClient{}
	o.client = client

	messages := newConversation("1", "system", "user").chatCompletionMessages()
	client.On(
		"CreateChatCompletion",
		mock.Anything,
		openai.ChatCompletionRequest{
			Model:    DefaultOpenAIModel,
			Messages: messages,
		},
	).Return(completionResponse("hello"), nil).Once()

	resp, err := o.CreateChatCompletion(context.Background(), messages)
	require.NoError(t, err)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "hello", resp.Choices[0].Message.Content)
	client.AssertExpectations(t)
}

func TestOpenAI_CreateChatCompletion_Error(t *testing.T) {
	t.Parallel()
	o := newOpenAI(newTestOpenAIConfig(), nil)
	client := &mockOpenAIClient{}
	o.client = client

	expectedErr := errors.New("rate limited")
	client.On("CreateChatCompletion", mock.Anything, mock.Anything).Return(
		openai.ChatCompletionResponse{},
		expectedErr,
	).Once()

	ctx := WithLogger(context.Background(), slog.New(testLogHandler(t)))
	_, err := o.CreateChatCompletion(ctx, nil)
	require.ErrorIs(t, err, expectedErr)
	client.AssertExpectations(t)
}

func TestOpenAI_BaseURL(t *testing.T) {
	t.Parallel()

	var gotReq openai.ChatCompletionRequest
	var gotAuth string
	srv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/v1/chat/completions" {
					http.NotFound(w, r)
					return
				}
				gotAuth = r.Header.Get("Authorization")
				if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(completionResponse("Meetings are on fridays"))
			},
		),
	)
	t.Cleanup(srv.Close)

	cfg := newTestOpenAIConfig()
	cfg.BaseURL = srv.URL + "/v1"
	o := newOpenAI(cfg, srv.Client())

	gw := NewCompletionGateway(o, DefaultChatReplyWordLimit, DefaultChatMentionPlaceholder)
	reply, err := gw.Complete(
		context.Background(),
		newConversation("1", "Your name is Scout", "hi"),
	)
	require.NoError(t, err)
	assert.Equal(t, "Meetings are on fridays", reply)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, DefaultOpenAIModel, gotReq.Model)
	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, roleSystem, gotReq.Messages[0].Role)
	assert.Equal(t, "hi", gotReq.Messages[1].Content)
}
