package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/fieldinspect/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for device session tracking.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service tracks which inspector is signed in on the device and remembers
// the session across restarts so offline capture keeps its attribution.
type Service struct {
	db      *gorm.DB
	now     func() time.Time
	logger  *zap.Logger
	mu      sync.RWMutex
	current *auth.User
}

// NewService constructs the session service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, now: clock, logger: logger}, nil
}

// CurrentUser returns the signed-in inspector, if any.
func (s *Service) CurrentUser() (auth.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return auth.User{}, false
	}
	return *s.current, true
}

// SignIn makes the inspector described by claims the current user.
func (s *Service) SignIn(ctx context.Context, claims auth.SessionClaims) (auth.User, error) {
	user := claims.User()
	if user.UserID == "" {
		return auth.User{}, ErrInvalidIdentity
	}
	if current, ok := s.CurrentUser(); ok && current == user {
		return user, nil
	}

	identity := Identity{
		UserID:      user.UserID,
		DisplayName: user.DisplayName,
		Email:       normalize(claims.UserEmail),
		SignedIn:    true,
		LastSeenAt:  s.now().UTC(),
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Identity{}).
			Where("signed_in = ? AND user_id <> ?", true, identity.UserID).
			Update("signed_in", false).Error; err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"user_display_name", "user_email", "signed_in", "last_seen_at", "updated_at"}),
		}).Create(&identity).Error
	})
	if err != nil {
		return auth.User{}, err
	}

	s.mu.Lock()
	s.current = &user
	s.mu.Unlock()
	s.logger.Info("inspector signed in", zap.String("user_id", user.UserID))
	return user, nil
}

// SignOut clears the current user.
func (s *Service) SignOut(ctx context.Context) error {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
	return s.db.WithContext(ctx).Model(&Identity{}).
		Where("signed_in = ?", true).
		Update("signed_in", false).Error
}

// Restore reinstates the session that was active when the agent last ran.
func (s *Service) Restore(ctx context.Context) (auth.User, bool, error) {
	var identity Identity
	err := s.db.WithContext(ctx).
		Where("signed_in = ?", true).
		Order("last_seen_at DESC").
		Take(&identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return auth.User{}, false, nil
	}
	if err != nil {
		return auth.User{}, false, err
	}
	user := auth.User{UserID: identity.UserID, DisplayName: identity.DisplayName}
	s.mu.Lock()
	s.current = &user
	s.mu.Unlock()
	return user, true, nil
}
