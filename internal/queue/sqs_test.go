package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"jewelerp/internal/types"
)

// mockSQSSender captures SendMessage calls for test assertions.
type mockSQSSender struct {
	calls []*sqs.SendMessageInput
	err   error
}

func (m *mockSQSSender) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.calls = append(m.calls, params)
	if m.err != nil {
		return nil, m.err
	}
	return &sqs.SendMessageOutput{}, nil
}

const testQueueURL = "https://sqs.us-east-1.amazonaws.com/123456789/jewelerp-tasks"

func TestSQSQueue_EnqueueWithDelay(t *testing.T) {
	mock := &mockSQSSender{}
	q := NewSQSQueue(mock, testQueueURL, slog.Default())

	msg := types.TaskMessage{Task: types.TaskExecuteBatch, BatchID: "bat_1", Attempt: 2, TraceID: "tr_1"}
	if err := q.Enqueue(context.Background(), msg, 60*time.Second); err != nil {
		t.Fatalf("Enqueue returned unexpected error: %v", err)
	}
	if len(mock.calls) != 1 {
		t.Fatalf("expected 1 SQS call, got %d", len(mock.calls))
	}

	call := mock.calls[0]
	if *call.QueueUrl != testQueueURL {
		t.Errorf("expected queue URL %q, got %q", testQueueURL, *call.QueueUrl)
	}
	if call.DelaySeconds != 60 {
		t.Errorf("expected DelaySeconds 60, got %d", call.DelaySeconds)
	}
	if got := *call.MessageAttributes["task"].StringValue; got != string(types.TaskExecuteBatch) {
		t.Errorf("expected task attribute %q, got %q", types.TaskExecuteBatch, got)
	}

	var decoded types.TaskMessage
	if err := json.Unmarshal([]byte(*call.MessageBody), &decoded); err != nil {
		t.Fatalf("message body is not valid JSON: %v", err)
	}
	if decoded.BatchID != "bat_1" || decoded.Attempt != 2 {
		t.Errorf("unexpected decoded message: %+v", decoded)
	}
	if decoded.EnqueuedAt.IsZero() {
		t.Error("expected EnqueuedAt to be stamped")
	}
}

func TestSQSQueue_DelayClamping(t *testing.T) {
	tests := []struct {
		name  string
		delay time.Duration
		want  int32
	}{
		{"zero", 0, 0},
		{"negative", -5 * time.Second, 0},
		{"sub-second truncates", 1500 * time.Millisecond, 1},
		{"max", 900 * time.Second, 900},
		{"over max", time.Hour, 900},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockSQSSender{}
			q := NewSQSQueue(mock, testQueueURL, nil)
			if err := q.Enqueue(context.Background(), types.TaskMessage{Task: types.TaskReapBatches}, tt.delay); err != nil {
				t.Fatalf("Enqueue: %v", err)
			}
			if mock.calls[0].DelaySeconds != tt.want {
				t.Errorf("DelaySeconds = %d, want %d", mock.calls[0].DelaySeconds, tt.want)
			}
		})
	}
}

func TestSQSQueue_SendError(t *testing.T) {
	mock := &mockSQSSender{err: fmt.Errorf("throttled")}
	q := NewSQSQueue(mock, testQueueURL, nil)

	err := q.Enqueue(context.Background(), types.TaskMessage{Task: types.TaskRunCycle}, 0)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "throttled") {
		t.Errorf("expected wrapped SQS error, got %v", err)
	}
}

func TestDecodeMessage(t *testing.T) {
	msg, err := DecodeMessage(`{"task":"batch.execute","batch_id":"bat_9","attempt":1,"last_error":"503"}`)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if msg.Task != types.TaskExecuteBatch || msg.BatchID != "bat_9" || msg.Attempt != 1 || msg.LastError != "503" {
		t.Errorf("unexpected message: %+v", msg)
	}

	if _, err := DecodeMessage(`not json`); err == nil {
		t.Error("expected error for malformed body")
	}
	if _, err := DecodeMessage(`{"batch_id":"bat_9"}`); err == nil {
		t.Error("expected error for missing task")
	}
}
