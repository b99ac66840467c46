// Package auth checks bearer API keys on the gRPC and HTTP surfaces of
// the server.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/mcules/vidi-runtime/internal/store"
)

var ErrUnauthenticated = errors.New("invalid or missing api key")

type KeyStore interface {
	CreateAPIKey(ctx context.Context, r store.APIKeyRecord) error
	FindByHash(ctx context.Context, hashed string) (store.APIKeyRecord, bool, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id string) error
}

type Authenticator struct {
	Store KeyStore
}

func NewAuthenticator(keys KeyStore) *Authenticator {
	return &Authenticator{Store: keys}
}

// GenerateKey creates a new API key and stores only its hash. The plain
// key is returned once.
func (a *Authenticator) GenerateKey(ctx context.Context, name string) (string, store.APIKeyRecord, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", store.APIKeyRecord{}, err
	}
	key := "vk-" + hex.EncodeToString(raw)

	record := store.APIKeyRecord{
		ID:        hex.EncodeToString(raw[:8]),
		Name:      name,
		Prefix:    key[:7],
		HashedKey: hashKey(key),
		CreatedAt: time.Now(),
	}
	if err := a.Store.CreateAPIKey(ctx, record); err != nil {
		return "", store.APIKeyRecord{}, err
	}
	return key, record, nil
}

// Verify checks an Authorization header value of the form "Bearer <key>".
func (a *Authenticator) Verify(ctx context.Context, header string) (store.APIKeyRecord, error) {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return store.APIKeyRecord{}, ErrUnauthenticated
	}
	rec, ok, err := a.Store.FindByHash(ctx, hashKey(parts[1]))
	if err != nil {
		return store.APIKeyRecord{}, err
	}
	if !ok {
		return store.APIKeyRecord{}, ErrUnauthenticated
	}

	go func() {
		_ = a.Store.UpdateAPIKeyLastUsed(context.Background(), rec.ID)
	}()
	return rec, nil
}

// Middleware guards an HTTP handler.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := a.Verify(r.Context(), r.Header.Get("Authorization")); err != nil {
			if errors.Is(err, ErrUnauthenticated) {
				http.Error(w, "Invalid API key", http.StatusUnauthorized)
				return
			}
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// UnaryInterceptor guards every unary RPC except those whose full method
// name starts with one of the skip prefixes.
func (a *Authenticator) UnaryInterceptor(skip ...string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		for _, p := range skip {
			if strings.HasPrefix(info.FullMethod, p) {
				return handler(ctx, req)
			}
		}
		var header string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if v := md.Get("authorization"); len(v) > 0 {
				header = v[0]
			}
		}
		if _, err := a.Verify(ctx, header); err != nil {
			if errors.Is(err, ErrUnauthenticated) {
				return nil, status.Error(codes.Unauthenticated, err.Error())
			}
			return nil, status.Errorf(codes.Internal, "verify api key: %v", err)
		}
		return handler(ctx, req)
	}
}

// BearerCredentials attaches a key to every outgoing RPC.
type BearerCredentials struct {
	Key string
	// Secure requires transport security; false permits plaintext.
	Secure bool
}

func (c BearerCredentials) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + c.Key}, nil
}

func (c BearerCredentials) RequireTransportSecurity() bool { return c.Secure }

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
