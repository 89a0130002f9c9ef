package services

import (
	"context"

	"breedscope.app/internal/core/domain"
	"breedscope.app/internal/core/ports"
)

type HistoryService struct {
	history ports.HistoryRepository
}

func NewHistoryService(history ports.HistoryRepository) *HistoryService {
	return &HistoryService{history: history}
}

func (s *HistoryService) List(ctx context.Context, username string) ([]*domain.HistoryEntry, error) {
	entries, err := s.history.ListEntries(ctx, username)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []*domain.HistoryEntry{}
	}
	return entries, nil
}

func (s *HistoryService) Clear(ctx context.Context, username, filename string) error {
	return s.history.DeleteEntry(ctx, username, filename)
}

func (s *HistoryService) ClearAll(ctx context.Context, username string) error {
	return s.history.DeleteAllEntries(ctx, username)
}
