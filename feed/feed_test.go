package feed

import "testing"

func TestNewPublisherRejectsUnknownProvider(t *testing.T) {
	if _, err := NewPublisher(Config{Provider: "kafka"}); err == nil {
		t.Fatal("unknown provider must fail at construction")
	}
}

func TestNewPublisherQueueRequiresValidConnectionString(t *testing.T) {
	_, err := NewPublisher(Config{Provider: ProviderQueue, ConnectionString: "not-a-connection-string", QueueName: "events"})
	if err == nil {
		t.Fatal("expected construction error for bad connection string")
	}
}
