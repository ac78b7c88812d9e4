package registry

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/souldevsoul/voicecraft-sub001/internal/models"
)

// ErrProfileExists is returned when an account already has an expert profile.
var ErrProfileExists = errors.New("expert profile already exists")

// ExpertStore is the persistence surface the registry needs.
type ExpertStore interface {
	Create(ctx context.Context, e *models.ExpertProfile) error
	GetByAccountID(ctx context.Context, accountID uuid.UUID) (*models.ExpertProfile, error)
	SetAvailability(ctx context.Context, accountID uuid.UUID, available bool) error
	ListAvailable(ctx context.Context) ([]*models.ExpertProfile, error)
	List(ctx context.Context) ([]*models.ExpertProfile, error)
}

type Service interface {
	CreateExpert(ctx context.Context, accountID uuid.UUID, displayName string, specialties []string) (*models.ExpertProfile, error)
	GetExpert(ctx context.Context, accountID uuid.UUID) (*models.ExpertProfile, error)
	SetAvailability(ctx context.Context, accountID uuid.UUID, available bool) error
	ListExperts(ctx context.Context, availableOnly bool) ([]*models.ExpertProfile, error)
}

type service struct {
	store ExpertStore
}

func NewService(store ExpertStore) *service {
	return &service{store: store}
}

var _ Service = (*service)(nil)

// normalizeSpecialties lowercases each specialty so matching is
// case-insensitive.
func normalizeSpecialties(specialties []string) []string {
	out := make([]string, 0, len(specialties))
	for _, s := range specialties {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (s *service) CreateExpert(ctx context.Context, accountID uuid.UUID, displayName string, specialties []string) (*models.ExpertProfile, error) {
	if _, err := s.store.GetByAccountID(ctx, accountID); err == nil {
		return nil, ErrProfileExists
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	prof := &models.ExpertProfile{
		ID:          uuid.New(),
		AccountID:   accountID,
		DisplayName: displayName,
		Specialties: normalizeSpecialties(specialties),
		Available:   true,
	}
	if err := s.store.Create(ctx, prof); err != nil {
		return nil, err
	}
	return prof, nil
}

func (s *service) GetExpert(ctx context.Context, accountID uuid.UUID) (*models.ExpertProfile, error) {
	return s.store.GetByAccountID(ctx, accountID)
}

func (s *service) SetAvailability(ctx context.Context, accountID uuid.UUID, available bool) error {
	return s.store.SetAvailability(ctx, accountID, available)
}

func (s *service) ListExperts(ctx context.Context, availableOnly bool) ([]*models.ExpertProfile, error) {
	if availableOnly {
		return s.store.ListAvailable(ctx)
	}
	return s.store.List(ctx)
}
