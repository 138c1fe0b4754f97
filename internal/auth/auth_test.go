package auth

import (
	"context"
	"testing"
	"time"

	"github.com/AnshRaj112/peerlink-backend/internal/apperr"
	"github.com/AnshRaj112/peerlink-backend/internal/models"
	"github.com/AnshRaj112/peerlink-backend/internal/repository"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePresence struct{ online map[uuid.UUID]bool }

func (p *fakePresence) SetOnline(_ context.Context, id uuid.UUID, online bool) (models.PresenceEvent, error) {
	p.online[id] = online
	return models.PresenceEvent{UserID: id, IsOnline: online, LastSeenAt: time.Now().UTC()}, nil
}

// collidingUsers reports a short id collision for the first n creates.
type collidingUsers struct {
	*repository.MemoryUsers
	n int
}

func (u *collidingUsers) Create(ctx context.Context, usr models.User, fp string) error {
	if u.n > 0 {
		u.n--
		return repository.ErrShortIDTaken
	}
	return u.MemoryUsers.Create(ctx, usr, fp)
}

type fixture struct {
	svc      *Service
	users    repository.UserStore
	presence *fakePresence
	mr       *miniredis.Miniredis
}

func newFixture(t *testing.T, users repository.UserStore) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	if users == nil {
		users = repository.NewMemoryUsers()
	}
	p := &fakePresence{online: map[uuid.UUID]bool{}}
	svc := NewService(users, NewCodeStore(client), NewSessionStore(client), NewTicketIssuer("test-secret"), p, "fp-key", zap.NewNop())
	return &fixture{svc: svc, users: users, presence: p, mr: mr}
}

func (f *fixture) register(t *testing.T, phone, fp string) (models.User, string) {
	t.Helper()
	ctx := context.Background()
	code, err := f.svc.RequestCode(ctx, phone)
	require.NoError(t, err)
	u, token, err := f.svc.Register(ctx, RegisterRequest{DisplayName: "Ada", PhoneNumber: phone, Fingerprint: fp, Code: code})
	require.NoError(t, err)
	return u, token
}

func TestRegisterAndAuthenticate(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	u, token := f.register(t, "+1 555 010 0001", "device-a")
	assert.Len(t, u.ShortID, 6)
	assert.Equal(t, "+15550100001", u.PhoneNumber)
	assert.True(t, u.IsOnline)
	assert.True(t, f.presence.online[u.ID])

	id, err := f.svc.Authenticate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, u.ID, id)

	require.NoError(t, f.svc.Logout(ctx, token))
	_, err = f.svc.Authenticate(ctx, token)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
}

func TestRegisterConflicts(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.register(t, "+15550100001", "device-a")

	code, err := f.svc.RequestCode(ctx, "+15550100002")
	require.NoError(t, err)
	_, _, err = f.svc.Register(ctx, RegisterRequest{DisplayName: "Bo", PhoneNumber: "+15550100002", Fingerprint: "device-a", Code: code})
	assert.ErrorIs(t, err, repository.ErrDeviceRegistered)

	code, err = f.svc.RequestCode(ctx, "+15550100001")
	require.NoError(t, err)
	_, _, err = f.svc.Register(ctx, RegisterRequest{DisplayName: "Bo", PhoneNumber: "+15550100001", Fingerprint: "device-b", Code: code})
	assert.ErrorIs(t, err, repository.ErrPhoneTaken)
}

func TestRegisterRetriesShortID(t *testing.T) {
	f := newFixture(t, &collidingUsers{MemoryUsers: repository.NewMemoryUsers(), n: 9})
	u, _ := f.register(t, "+15550100001", "device-a")
	assert.Len(t, u.ShortID, 6)

	g := newFixture(t, &collidingUsers{MemoryUsers: repository.NewMemoryUsers(), n: 10})
	ctx := context.Background()
	code, err := g.svc.RequestCode(ctx, "+15550100001")
	require.NoError(t, err)
	_, _, err = g.svc.Register(ctx, RegisterRequest{DisplayName: "Ada", PhoneNumber: "+15550100001", Fingerprint: "d", Code: code})
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestLoginMovesDeviceAndReplacesSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	u, first := f.register(t, "+15550100001", "device-a")

	code, err := f.svc.RequestCode(ctx, "+15550100001")
	require.NoError(t, err)
	again, second, err := f.svc.Login(ctx, LoginRequest{PhoneNumber: "+15550100001", Fingerprint: "device-b", Code: code})
	require.NoError(t, err)
	assert.Equal(t, u.ID, again.ID)

	_, err = f.svc.Authenticate(ctx, first)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized, "older session is replaced")
	_, err = f.svc.Authenticate(ctx, second)
	assert.NoError(t, err)

	code, err = f.svc.RequestCode(ctx, "+15550100009")
	require.NoError(t, err)
	_, _, err = f.svc.Login(ctx, LoginRequest{PhoneNumber: "+15550100009", Fingerprint: "device-c", Code: code})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCodeAttemptsAndExpiry(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	store := f.svc.codes

	code, err := store.Issue(ctx, "+15550100001")
	require.NoError(t, err)
	for i := 0; i < MaxCodeAttempts-1; i++ {
		assert.ErrorIs(t, store.Verify(ctx, "+15550100001", "wrong"), apperr.ErrUnauthorized)
	}
	require.NoError(t, store.Verify(ctx, "+15550100001", code))
	assert.ErrorIs(t, store.Verify(ctx, "+15550100001", code), apperr.ErrUnauthorized, "codes are single use")

	code, err = store.Issue(ctx, "+15550100001")
	require.NoError(t, err)
	for i := 0; i < MaxCodeAttempts; i++ {
		assert.Error(t, store.Verify(ctx, "+15550100001", "wrong"))
	}
	assert.ErrorIs(t, store.Verify(ctx, "+15550100001", code), apperr.ErrUnauthorized, "locked out after too many guesses")

	code, err = store.Issue(ctx, "+15550100001")
	require.NoError(t, err)
	f.mr.FastForward(CodeTTL + time.Second)
	assert.ErrorIs(t, store.Verify(ctx, "+15550100001", code), apperr.ErrUnauthorized)
}

func TestTickets(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	issuer := NewTicketIssuer("secret")
	issuer.now = func() time.Time { return now }

	id := uuid.New()
	ticket, exp, err := issuer.Issue(id)
	require.NoError(t, err)
	assert.Equal(t, now.Add(TicketTTL), exp)

	got, err := issuer.Parse(ticket)
	require.NoError(t, err)
	assert.Equal(t, id, got)

	other := NewTicketIssuer("other-secret")
	other.now = issuer.now
	_, err = other.Parse(ticket)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	now = now.Add(TicketTTL + time.Second)
	_, err = issuer.Parse(ticket)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
}
