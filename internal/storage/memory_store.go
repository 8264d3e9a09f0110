package storage

import (
	"context"
	"sync"
	"time"

	"github.com/jordimassana/bankfeed/internal/domain"
)

// MemoryStore is an in-memory Repository used by tests and by deployments
// whose real persistence lives behind an external service.
type MemoryStore struct {
	runs      map[string]*domain.Run
	accounts  map[string]*domain.Account
	movements map[string][]domain.Movement // by account, ascending
	mu        sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:      make(map[string]*domain.Run),
		accounts:  make(map[string]*domain.Account),
		movements: make(map[string][]domain.Movement),
	}
}

func (s *MemoryStore) CreateRun(ctx context.Context, runID, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[runID] = &domain.Run{
		ID:        runID,
		AccountID: accountID,
		Status:    domain.RunStatusProcessing,
		CreatedAt: time.Now(),
	}
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, exists := s.runs[runID]
	if !exists {
		return nil, domain.ErrRunNotFound
	}
	copied := *run
	return &copied, nil
}

func (s *MemoryStore) CompleteRun(ctx context.Context, runID string, status domain.RunStatus, resultClass, resultName string, saved int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, exists := s.runs[runID]
	if !exists {
		return domain.ErrRunNotFound
	}
	run.Status = status
	run.ResultClass = resultClass
	run.ResultName = resultName
	run.Saved = saved
	now := time.Now()
	run.CompletedAt = &now
	return nil
}

func (s *MemoryStore) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account, exists := s.accounts[accountID]
	if !exists {
		return nil, domain.ErrAccountNotFound
	}
	copied := *account
	return &copied, nil
}

func (s *MemoryStore) UpsertAccount(ctx context.Context, account domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := account
	s.accounts[account.ExternalID] = &copied
	return nil
}

func (s *MemoryStore) MovementsSince(ctx context.Context, accountID string, since time.Time) ([]domain.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tail []domain.Movement
	for _, m := range s.movements[accountID] {
		if !m.OperationDate.Before(since) {
			tail = append(tail, m)
		}
	}
	return tail, nil
}

func (s *MemoryStore) LastMovement(ctx context.Context, accountID string) (*domain.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	movs := s.movements[accountID]
	if len(movs) == 0 {
		return nil, nil
	}
	copied := movs[len(movs)-1]
	return &copied, nil
}

// SaveMovements appends the reconciled movements and realigns the account
// balance and last-movement key in one step, mirroring the transactional
// contract of the real persistence layer.
func (s *MemoryStore) SaveMovements(ctx context.Context, accountID string, movements []domain.Movement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(movements) == 0 {
		return nil
	}

	s.movements[accountID] = append(s.movements[accountID], movements...)

	last := movements[len(movements)-1]
	if account, exists := s.accounts[accountID]; exists {
		account.Balance = last.CalcBalance
		account.LastMovementKey = last.NaturalKey()
	}
	return nil
}
