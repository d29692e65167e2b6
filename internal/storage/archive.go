// Package storage archives finished chats to DynamoDB. The operational
// store keeps live state; the archive is the long-term record queried by
// tenant and day.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/dennisdiepolder/monti/handoff/internal/types"
	"github.com/rs/zerolog"
)

// DateLayout is the archive day format
const DateLayout = "2006-01-02"

// Archive stores and reads chat records
type Archive interface {
	SaveChatRecord(ctx context.Context, rec types.ChatRecord) error
	GetChatRecords(ctx context.Context, tenantID, date string) ([]types.ChatRecord, error)
	GetAgentChats(ctx context.Context, tenantID, agentID, date string) ([]types.ChatRecord, error)
}

// NoopArchive is used when DynamoDB is disabled
type NoopArchive struct{}

func NewNoopArchive() *NoopArchive { return &NoopArchive{} }

func (NoopArchive) SaveChatRecord(context.Context, types.ChatRecord) error { return nil }
func (NoopArchive) GetChatRecords(context.Context, string, string) ([]types.ChatRecord, error) {
	return []types.ChatRecord{}, nil
}
func (NoopArchive) GetAgentChats(context.Context, string, string, string) ([]types.ChatRecord, error) {
	return []types.ChatRecord{}, nil
}

// NewArchive creates the archive selected by the DYNAMO_* environment
func NewArchive(ctx context.Context, logger zerolog.Logger) (Archive, error) {
	cfg := LoadDynamoConfig()

	switch cfg.Mode {
	case DynamoModeLocal, DynamoModeAWS:
		return NewDynamoDBArchive(ctx, cfg, logger)
	default:
		logger.Info().Msg("DynamoDB disabled (DYNAMO_MODE=none)")
		return NewNoopArchive(), nil
	}
}

// partitionKey validates date and builds the tenant-day key
func partitionKey(tenantID, date string) (string, error) {
	day, err := time.Parse(DateLayout, date)
	if err != nil {
		return "", fmt.Errorf("invalid date %q: %w", date, types.ErrInvalidInput)
	}
	return types.ArchiveKey(tenantID, day), nil
}
