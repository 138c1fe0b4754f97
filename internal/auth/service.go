// Package auth implements the demo-grade phone and code sign-in: one-time
// codes, Redis-backed session tokens and short-lived realtime tickets.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/AnshRaj112/peerlink-backend/internal/apperr"
	"github.com/AnshRaj112/peerlink-backend/internal/models"
	"github.com/AnshRaj112/peerlink-backend/internal/repository"
	"github.com/AnshRaj112/peerlink-backend/pkg/utils"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const shortIDAttempts = 10

type Presence interface {
	SetOnline(ctx context.Context, userID uuid.UUID, online bool) (models.PresenceEvent, error)
}

type RegisterRequest struct {
	DisplayName string `json:"display_name"`
	PhoneNumber string `json:"phone_number"`
	Fingerprint string `json:"device_fingerprint"`
	Code        string `json:"code"`
}

type LoginRequest struct {
	PhoneNumber string `json:"phone_number"`
	Fingerprint string `json:"device_fingerprint"`
	Code        string `json:"code"`
}

type Service struct {
	users          repository.UserStore
	codes          *CodeStore
	sessions       *SessionStore
	tickets        *TicketIssuer
	presence       Presence
	fingerprintKey []byte
	log            *zap.Logger
}

func NewService(users repository.UserStore, codes *CodeStore, sessions *SessionStore, tickets *TicketIssuer, presence Presence, fingerprintKey string, log *zap.Logger) *Service {
	return &Service{
		users:          users,
		codes:          codes,
		sessions:       sessions,
		tickets:        tickets,
		presence:       presence,
		fingerprintKey: []byte(fingerprintKey),
		log:            log.Named("auth"),
	}
}

// RequestCode issues a verification code for phone. Delivering it (SMS) is
// outside this service; in dev mode the handler echoes it back.
func (s *Service) RequestCode(ctx context.Context, phone string) (string, error) {
	phone = utils.NormalizePhone(phone)
	if err := utils.ValidatePhone(phone); err != nil {
		return "", apperr.Invalid("%s", err.Error())
	}
	return s.codes.Issue(ctx, phone)
}

// Register creates the account and signs it in. A device may hold one
// account and a phone number may register once.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (models.User, string, error) {
	phone := utils.NormalizePhone(req.PhoneNumber)
	if err := utils.ValidatePhone(phone); err != nil {
		return models.User{}, "", apperr.Invalid("%s", err.Error())
	}
	if err := utils.ValidateDisplayName(req.DisplayName); err != nil {
		return models.User{}, "", apperr.Invalid("%s", err.Error())
	}
	fp, err := s.fingerprint(req.Fingerprint)
	if err != nil {
		return models.User{}, "", err
	}
	if err := s.codes.Verify(ctx, phone, req.Code); err != nil {
		return models.User{}, "", err
	}

	now := time.Now().UTC()
	u := models.User{
		ID:          uuid.New(),
		DisplayName: strings.TrimSpace(req.DisplayName),
		PhoneNumber: phone,
		CreatedAt:   now,
		LastSeenAt:  now,
	}
	for attempt := 0; ; attempt++ {
		if u.ShortID, err = utils.GenerateShortID(); err != nil {
			return models.User{}, "", err
		}
		err = s.users.Create(ctx, u, fp)
		if err == nil {
			break
		}
		if !errors.Is(err, repository.ErrShortIDTaken) {
			return models.User{}, "", err
		}
		if attempt+1 >= shortIDAttempts {
			return models.User{}, "", apperr.Conflict("could not allocate a unique short id")
		}
	}
	s.log.Info("user registered", zap.String("user_id", u.ID.String()), zap.String("short_id", u.ShortID))

	return s.signIn(ctx, u)
}

// Login signs an existing account in on this device. The account moves to
// the new device fingerprint.
func (s *Service) Login(ctx context.Context, req LoginRequest) (models.User, string, error) {
	phone := utils.NormalizePhone(req.PhoneNumber)
	if err := utils.ValidatePhone(phone); err != nil {
		return models.User{}, "", apperr.Invalid("%s", err.Error())
	}
	fp, err := s.fingerprint(req.Fingerprint)
	if err != nil {
		return models.User{}, "", err
	}
	if err := s.codes.Verify(ctx, phone, req.Code); err != nil {
		return models.User{}, "", err
	}
	u, err := s.users.GetByPhone(ctx, phone)
	if err != nil {
		return models.User{}, "", err
	}
	if err := s.users.SetFingerprint(ctx, u.ID, fp); err != nil {
		return models.User{}, "", err
	}
	return s.signIn(ctx, u)
}

func (s *Service) signIn(ctx context.Context, u models.User) (models.User, string, error) {
	token, err := s.sessions.Create(ctx, u.ID)
	if err != nil {
		return models.User{}, "", err
	}
	if s.presence != nil {
		// The reaper takes the user offline again if no realtime
		// connection follows.
		if ev, err := s.presence.SetOnline(ctx, u.ID, true); err != nil {
			s.log.Warn("mark online failed", zap.String("user_id", u.ID.String()), zap.Error(err))
		} else {
			u.IsOnline, u.LastSeenAt = true, ev.LastSeenAt
		}
	}
	return u, token, nil
}

func (s *Service) Logout(ctx context.Context, token string) error {
	return s.sessions.Invalidate(ctx, token)
}

// Authenticate resolves a bearer session token.
func (s *Service) Authenticate(ctx context.Context, token string) (uuid.UUID, error) {
	return s.sessions.Validate(ctx, token)
}

// IssueTicket returns a realtime ticket for an authenticated user.
func (s *Service) IssueTicket(userID uuid.UUID) (string, time.Time, error) {
	return s.tickets.Issue(userID)
}

// ParseTicket resolves a realtime ticket.
func (s *Service) ParseTicket(ticket string) (uuid.UUID, error) {
	return s.tickets.Parse(ticket)
}

func (s *Service) fingerprint(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", apperr.Invalid("device fingerprint is required")
	}
	return utils.HashFingerprint(s.fingerprintKey, raw)
}
