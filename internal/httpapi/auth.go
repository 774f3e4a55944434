package httpapi

import (
	"sort"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"adega/backend/internal/domain"
)

const (
	RoleAdmin = "admin"
	RoleStaff = "staff"

	tokenIssuer = "adega"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

// Account is a login provisioned from configuration. Password may be plain
// text or a bcrypt hash; plain text is hashed when the manager is built.
type Account struct {
	Username string
	Name     string
	Role     string
	Password string
}

type AuthManager struct {
	secret   []byte
	tokenTTL time.Duration
	now      func() time.Time
	users    map[string]credential
}

type credential struct {
	password string
	identity domain.UserIdentity
}

type adegaClaims struct {
	jwtlib.RegisteredClaims
	Name string `json:"name"`
	Role string `json:"role"`
}

func NewAuthManager(secret string, tokenTTL time.Duration, accounts ...Account) (*AuthManager, error) {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}

	manager := &AuthManager{
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		now:      func() time.Time { return time.Now().UTC() },
		users:    make(map[string]credential, len(accounts)),
	}
	for _, account := range accounts {
		username := strings.ToLower(strings.TrimSpace(account.Username))
		if username == "" || strings.TrimSpace(account.Password) == "" {
			continue
		}
		password := account.Password
		if !isPasswordHash(password) {
			hashed, err := hashPassword(password)
			if err != nil {
				return nil, errors.Wrapf(err, "hash password for %s", username)
			}
			password = hashed
		}
		name := strings.TrimSpace(account.Name)
		if name == "" {
			name = username
		}
		manager.users[username] = credential{
			password: password,
			identity: domain.UserIdentity{Username: username, Name: name, Role: account.Role},
		}
	}
	return manager, nil
}

// Usernames lists the provisioned logins.
func (a *AuthManager) Usernames() []string {
	names := make([]string, 0, len(a.users))
	for username := range a.users {
		names = append(names, username)
	}
	sort.Strings(names)
	return names
}

func (a *AuthManager) Authenticate(username, password string) (domain.UserIdentity, error) {
	cred, ok := a.users[strings.ToLower(strings.TrimSpace(username))]
	if !ok || !verifyPassword(cred.password, password) {
		return domain.UserIdentity{}, ErrInvalidCredentials
	}
	return cred.identity, nil
}

func (a *AuthManager) Login(req domain.LoginRequest) (domain.LoginResponse, error) {
	user, err := a.Authenticate(req.Username, req.Password)
	if err != nil {
		return domain.LoginResponse{}, err
	}

	expiresAt := a.now().Add(a.tokenTTL)
	token, err := a.sign(user, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, err
	}

	return domain.LoginResponse{
		AccessToken: token,
		User:        user,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.UserIdentity, error) {
	claims := &adegaClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}), jwtlib.WithIssuer(tokenIssuer))
	if err != nil || !token.Valid {
		return domain.UserIdentity{}, ErrInvalidToken
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.UserIdentity{}, errors.New("invalid token subject")
	}
	return domain.UserIdentity{Username: sub, Name: claims.Name, Role: claims.Role}, nil
}

func (a *AuthManager) sign(user domain.UserIdentity, expiresAt time.Time) (string, error) {
	claims := adegaClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   user.Username,
			IssuedAt:  jwtlib.NewNumericDate(a.now()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    tokenIssuer,
		},
		Name: user.Name,
		Role: user.Role,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func verifyPassword(stored string, input string) bool {
	if stored == "" || strings.TrimSpace(input) == "" || !isPasswordHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
