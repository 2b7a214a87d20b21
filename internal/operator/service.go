package operator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"

	"github.com/memohai/concierge/internal/errs"
)

var validate = validator.New()

// Service manages concierge operators.
type Service struct {
	store  Store
	logger *slog.Logger
	cost   int
}

// NewService creates an operator service.
func NewService(log *slog.Logger, store Store) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:  store,
		logger: log.With(slog.String("service", "operator")),
		cost:   bcrypt.DefaultCost,
	}
}

// Create validates input, hashes the password and stores the operator.
func (s *Service) Create(ctx context.Context, input CreateInput) (Operator, error) {
	input.Username = strings.ToLower(strings.TrimSpace(input.Username))
	input.DisplayName = strings.TrimSpace(input.DisplayName)
	if err := validate.Struct(input); err != nil {
		return Operator{}, errs.Validation("%v", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), s.cost)
	if err != nil {
		return Operator{}, fmt.Errorf("hash password: %w", err)
	}
	active := true
	if input.Active != nil {
		active = *input.Active
	}
	op, err := s.store.Create(ctx, Operator{
		Username:     input.Username,
		DisplayName:  input.DisplayName,
		PasswordHash: string(hash),
		Active:       active,
	})
	if err != nil {
		return Operator{}, err
	}
	s.logger.Info("operator created", slog.String("operator_id", op.ID), slog.String("username", op.Username))
	return op, nil
}

// Get returns an operator by id.
func (s *Service) Get(ctx context.Context, id string) (Operator, error) {
	return s.store.GetByID(ctx, id)
}

// List returns all operators.
func (s *Service) List(ctx context.Context) ([]Operator, error) {
	return s.store.List(ctx)
}

// SetActive flips the active flag. Memberships and message history are untouched.
func (s *Service) SetActive(ctx context.Context, id string, active bool) (Operator, error) {
	op, err := s.store.SetActive(ctx, id, active)
	if err != nil {
		return Operator{}, err
	}
	s.logger.Info("operator active changed", slog.String("operator_id", id), slog.Bool("active", active))
	return op, nil
}

// Authenticate checks credentials and returns the active operator.
func (s *Service) Authenticate(ctx context.Context, username, password string) (Operator, error) {
	op, err := s.store.GetByUsername(ctx, strings.ToLower(strings.TrimSpace(username)))
	if err != nil {
		if errors.Is(err, ErrOperatorNotFound) {
			return Operator{}, ErrInvalidCredentials
		}
		return Operator{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(password)); err != nil {
		return Operator{}, ErrInvalidCredentials
	}
	if !op.Active {
		return Operator{}, ErrInactive
	}
	return op, nil
}
