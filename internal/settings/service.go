// Package settings owns the UserSettings singleton: defaults, validation,
// and resetting cycles of symbols removed from the universe.
package settings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/infinitrader/engine/internal/model"
	"github.com/infinitrader/engine/internal/store"
	"github.com/infinitrader/engine/internal/symbols"
	"github.com/infinitrader/engine/internal/symlock"
)

// rules is the validated view of a settings update.
type rules struct {
	Principal  float64  `validate:"gt=0"`
	SplitCount int      `validate:"min=1,max=1000"`
	TargetRate float64  `validate:"gte=0,lte=10"`
	Symbols    []string `validate:"required_if=IsActive true,max=50"`
	IsActive   bool
}

// Service reads and updates settings.
type Service struct {
	store    store.Store
	locks    *symlock.Locker
	validate *validator.Validate
	log      zerolog.Logger
	now      func() time.Time
}

// NewService creates a settings service.
func NewService(st store.Store, locks *symlock.Locker, log zerolog.Logger) *Service {
	return &Service{
		store:    st,
		locks:    locks,
		validate: validator.New(),
		log:      log.With().Str("component", "settings").Logger(),
		now:      time.Now,
	}
}

// Get returns the saved settings, or the defaults when none were saved.
func (s *Service) Get(ctx context.Context) (model.UserSettings, error) {
	st, err := s.store.GetSettings(ctx)
	if errors.Is(err, model.ErrNotFound) {
		return model.DefaultSettings(), nil
	}
	if err != nil {
		return model.UserSettings{}, fmt.Errorf("load settings: %w", err)
	}
	return *st, nil
}

// Validate normalizes the symbol list of in and checks every field.
// Failures wrap model.ErrInvalidSettings.
func (s *Service) Validate(in model.UserSettings) (model.UserSettings, error) {
	syms, err := symbols.Clean(in.Symbols)
	if err != nil {
		return in, fmt.Errorf("%w: %v", model.ErrInvalidSettings, err)
	}
	in.Symbols = syms

	principal, _ := in.Principal.Float64()
	rate, _ := in.TargetRate.Float64()
	r := rules{
		Principal:  principal,
		SplitCount: in.SplitCount,
		TargetRate: rate,
		IsActive:   in.IsActive,
	}
	if len(syms) > 0 {
		r.Symbols = syms
	}
	if err := s.validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return in, fmt.Errorf("%w: %s failed %q", model.ErrInvalidSettings, fe.Field(), fe.Tag())
		}
		return in, fmt.Errorf("%w: %v", model.ErrInvalidSettings, err)
	}
	return in, nil
}

// Update validates and saves in. Cycles of symbols dropped from the
// universe are deleted so that re-adding a symbol starts a fresh cycle.
func (s *Service) Update(ctx context.Context, in model.UserSettings) (model.UserSettings, error) {
	in, err := s.Validate(in)
	if err != nil {
		return model.UserSettings{}, err
	}

	prev, err := s.Get(ctx)
	if err != nil {
		return model.UserSettings{}, err
	}

	for _, sym := range symbols.Diff(prev.Symbols, in.Symbols) {
		err := s.locks.Do(ctx, sym, func() error {
			return s.store.DeleteCycle(ctx, sym)
		})
		if err != nil {
			return model.UserSettings{}, fmt.Errorf("reset cycle: %w", err)
		}
		s.log.Info().Str("symbol", sym).Msg("cycle reset, symbol removed from universe")
	}

	in.UpdatedAt = s.now().UTC()
	if err := s.store.SaveSettings(ctx, &in); err != nil {
		return model.UserSettings{}, fmt.Errorf("save settings: %w", err)
	}

	s.log.Info().
		Str("principal", in.Principal.String()).
		Int("split_count", in.SplitCount).
		Strs("symbols", in.Symbols).
		Bool("active", in.IsActive).
		Msg("settings updated")
	return in, nil
}
