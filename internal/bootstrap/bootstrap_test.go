package bootstrap

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/notification-dispatch/internal/common"
	"github.com/example/notification-dispatch/internal/ledger"
	"github.com/example/notification-dispatch/internal/transport"
)

func memoryConfig() *common.Config {
	return &common.Config{
		ServiceName:   "test",
		LedgerBackend: common.LedgerMemory,
		KafkaBrokers:  []string{"localhost:9092"},
		StatusTopic:   "notification.status",
		SenderEmail:   "noreply@example.com",
	}
}

func TestBuildMemory(t *testing.T) {
	s, err := Build(context.Background(), memoryConfig(), zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	assert.IsType(t, &ledger.MemoryStore{}, s.Ledger)
	assert.Empty(t, s.Checks)
	require.NotNil(t, s.Engine)
	assert.NotNil(t, s.Engine.Publisher)
	assert.Equal(t, "failover", s.Engine.Email.Name())
	assert.Equal(t, "termii", s.Engine.SMS.Name())
}

func TestBuildRejectsUnknownBackend(t *testing.T) {
	cfg := memoryConfig()
	cfg.LedgerBackend = "sqlite"

	_, err := Build(context.Background(), cfg, zerolog.Nop())
	assert.ErrorIs(t, err, common.ErrInvalidConfig)
}

func TestBuildRejectsMissingCatalogue(t *testing.T) {
	cfg := memoryConfig()
	cfg.TemplatesPath = "/nonexistent/catalogue.yaml"

	_, err := Build(context.Background(), cfg, zerolog.Nop())
	assert.Error(t, err)
}

func TestEmailTransportWithoutCredentials(t *testing.T) {
	sender := EmailTransport(memoryConfig(), zerolog.Nop())
	err := sender.Send(context.Background(), transport.Message{To: "a@example.com", Subject: "s", Body: "b"})
	assert.ErrorIs(t, err, transport.ErrNotConfigured)
}
