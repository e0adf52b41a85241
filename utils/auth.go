package utils

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/filecoin-project/go-jsonrpc/auth"
	jwt3 "github.com/gbrlsnchs/jwt/v3"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"
)

var log = logging.Logger("auth")

const (
	TokenFile  = "token"
	SecretFile = "secret"
)

const (
	PermRead  auth.Permission = "read"
	PermWrite auth.Permission = "write"
	PermSign  auth.Permission = "sign"
	PermAdmin auth.Permission = "admin"
)

// AllPermissions is ordered from the most to the least powerful.
var AllPermissions = []auth.Permission{PermAdmin, PermSign, PermWrite, PermRead}

// JWTPayload names the holder of a token, a signer registers under this name.
type JWTPayload struct {
	Name string
	Perm auth.Permission
}

// AdaptPerm expands a permission to itself and everything below it.
func AdaptPerm(perm auth.Permission) []auth.Permission {
	for i, p := range AllPermissions {
		if p == perm {
			out := make([]auth.Permission, len(AllPermissions)-i)
			copy(out, AllPermissions[i:])
			return out
		}
	}
	return []auth.Permission{}
}

type LocalJwtClient struct {
	repo   string
	Seckey []byte
	Token  []byte
}

// NewLocalJwtClient loads the repo secret, creating it on first start, and issues the admin token of the daemon.
func NewLocalJwtClient(repo string) (*LocalJwtClient, error) {
	seckey, err := loadSecret(repo)
	if err != nil {
		return nil, err
	}
	l := &LocalJwtClient{repo: repo, Seckey: seckey}
	if l.Token, err = l.NewToken("ConnectLocalToken", PermAdmin); err != nil {
		return nil, err
	}
	return l, nil
}

func loadSecret(repo string) ([]byte, error) {
	secretPath := path.Join(repo, SecretFile)
	data, err := os.ReadFile(secretPath)
	if err == nil {
		return hex.DecodeString(strings.TrimSpace(string(data)))
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	seckey, err := io.ReadAll(io.LimitReader(rand.Reader, 32))
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(secretPath, []byte(hex.EncodeToString(seckey)), 0600); err != nil {
		return nil, errors.Wrap(err, "save secret")
	}
	return seckey, nil
}

func (l *LocalJwtClient) NewToken(name string, perm auth.Permission) ([]byte, error) {
	if len(AdaptPerm(perm)) == 0 {
		return nil, errors.Errorf("unknown permission %s", perm)
	}
	return jwt3.Sign(JWTPayload{Name: name, Perm: perm}, jwt3.NewHS256(l.Seckey))
}

func (l *LocalJwtClient) Payload(token string) (*JWTPayload, error) {
	var payload JWTPayload
	if _, err := jwt3.Verify([]byte(token), jwt3.NewHS256(l.Seckey), &payload); err != nil {
		return nil, fmt.Errorf("JWT Verification failed: %v", err)
	}
	return &payload, nil
}

func (l *LocalJwtClient) Verify(ctx context.Context, token string) ([]auth.Permission, error) {
	payload, err := l.Payload(token)
	if err != nil {
		return nil, err
	}
	return AdaptPerm(payload.Perm), nil
}

func (l *LocalJwtClient) SaveToken() error {
	return os.WriteFile(path.Join(l.repo, TokenFile), l.Token, 0644)
}

type ctxKey int

const (
	nameKey ctxKey = iota
	locationKey
)

func CtxWithName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, nameKey, name)
}

func CtxGetName(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(nameKey).(string)
	return v, ok
}

func CtxWithTokenLocation(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, locationKey, ip)
}

func CtxGetTokenLocation(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(locationKey).(string)
	return v, ok
}

// AuthMux puts the token holder's permissions, name and address into the request context.
type AuthMux struct {
	local *LocalJwtClient
	next  http.Handler
}

func NewAuthMux(local *LocalJwtClient, next http.Handler) *AuthMux {
	return &AuthMux{local: local, next: next}
}

func (a *AuthMux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("Authorization")
	if token == "" {
		token = r.FormValue("token")
	} else if !strings.HasPrefix(token, "Bearer ") {
		log.Warnf("missing Bearer prefix in auth header from %s", r.RemoteAddr)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	token = strings.TrimPrefix(token, "Bearer ")
	if token == "" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	payload, err := a.local.Payload(token)
	if err != nil {
		log.Warnf("JWT Verification failed (originating from %s): %s", r.RemoteAddr, err)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	ip := r.Header.Get("X-Real-Ip")
	if ip == "" {
		ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	}
	ctx := auth.WithPerm(r.Context(), AdaptPerm(payload.Perm))
	ctx = CtxWithName(ctx, payload.Name)
	ctx = CtxWithTokenLocation(ctx, ip)
	a.next.ServeHTTP(w, r.WithContext(ctx))
}
