package auth

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type memUsers struct {
	mu     sync.Mutex
	byMail map[string]*User
	hashes map[string]string
}

func newMemUsers() *memUsers {
	return &memUsers{byMail: make(map[string]*User), hashes: make(map[string]string)}
}

func (m *memUsers) Create(_ context.Context, email, hash, name string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byMail[email]; ok {
		return nil, &pgconn.PgError{Code: "23505"}
	}
	u := &User{ID: uuid.New(), Email: email, DisplayName: name, CreatedAt: time.Now()}
	m.byMail[email] = u
	m.hashes[email] = hash
	return u, nil
}

func (m *memUsers) GetByEmail(_ context.Context, email string) (*User, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byMail[email]
	if !ok {
		return nil, "", nil
	}
	return u, m.hashes[email], nil
}

func (m *memUsers) GetByID(_ context.Context, id uuid.UUID) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.byMail {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, errors.New("not found")
}

type recordingOpener struct {
	opened []uuid.UUID
	err    error
}

func (o *recordingOpener) OpenAccounts(_ context.Context, id uuid.UUID) error {
	o.opened = append(o.opened, id)
	return o.err
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestRegisterOpensAccountsAndLogsIn(t *testing.T) {
	opener := &recordingOpener{}
	svc := NewService(newMemUsers(), opener, "test-secret")
	ctx := context.Background()

	u, err := svc.Register(ctx, "ana@example.com", "correct horse", "Ana")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if len(opener.opened) != 1 || opener.opened[0] != u.ID {
		t.Errorf("accounts opened for %v, want [%s]", opener.opened, u.ID)
	}

	token, err := svc.Login(ctx, "ana@example.com", "correct horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	id, err := svc.ParseToken(token)
	if err != nil || id != u.ID {
		t.Errorf("ParseToken = %s, %v; want %s", id, err, u.ID)
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	svc := NewService(newMemUsers(), nil, "s")
	ctx := context.Background()
	if _, err := svc.Register(ctx, "a@b.c", "password1", "A"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Register(ctx, "a@b.c", "password2", "B"); !errors.Is(err, ErrDuplicateEmail) {
		t.Errorf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestRegisterKeepsUserWhenGrantFails(t *testing.T) {
	svc := NewService(newMemUsers(), &recordingOpener{err: errors.New("ledger contention")}, "s")
	u, err := svc.Register(context.Background(), "a@b.c", "password1", "A")
	if err == nil || u == nil {
		t.Fatalf("expected user plus error, got %v, %v", u, err)
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	svc := NewService(newMemUsers(), nil, "s")
	ctx := context.Background()
	svc.Register(ctx, "a@b.c", "password1", "A")

	if _, err := svc.Login(ctx, "a@b.c", "password2"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password: %v", err)
	}
	if _, err := svc.Login(ctx, "nobody@b.c", "password1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown user: %v", err)
	}
}

func TestParseTokenRejectsExpiredAndForeign(t *testing.T) {
	svc := NewService(newMemUsers(), nil, "s")
	start := time.Now()
	svc.now = func() time.Time { return start }
	token, err := svc.issueToken(uuid.New())
	if err != nil {
		t.Fatal(err)
	}

	svc.now = func() time.Time { return start.Add(tokenTTL + time.Minute) }
	if _, err := svc.ParseToken(token); err == nil {
		t.Error("expired token accepted")
	}

	other := NewService(newMemUsers(), nil, "other-secret")
	if _, err := other.ParseToken(token); err == nil {
		t.Error("token signed with another secret accepted")
	}
}

func TestHandlerRegisterAndLogin(t *testing.T) {
	h := NewHandler(NewService(newMemUsers(), nil, "s"), nil)

	cases := []struct {
		name string
		fn   http.HandlerFunc
		body string
		want int
	}{
		{"register", h.Register, `{"email":"Ana@Example.com","password":"longenough","display_name":"Ana"}`, http.StatusCreated},
		{"register duplicate", h.Register, `{"email":"ana@example.com","password":"longenough","display_name":"Ana"}`, http.StatusConflict},
		{"register short password", h.Register, `{"email":"b@example.com","password":"short","display_name":"B"}`, http.StatusBadRequest},
		{"register bad json", h.Register, `{`, http.StatusBadRequest},
		{"login", h.Login, `{"email":"ana@example.com","password":"longenough"}`, http.StatusOK},
		{"login wrong password", h.Login, `{"email":"ana@example.com","password":"nope-nope"}`, http.StatusUnauthorized},
		{"login missing fields", h.Login, `{"email":""}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(tc.body))
			rec := httptest.NewRecorder()
			tc.fn(rec, req)
			if rec.Code != tc.want {
				t.Errorf("status %d, want %d: %s", rec.Code, tc.want, rec.Body.String())
			}
		})
	}
}
