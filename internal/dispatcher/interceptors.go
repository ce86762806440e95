// Package dispatcher implements the producer-side Dispatcher: the
// inbound auth interceptor chain, the attribute filter, and the
// per-stream emission loop.
package dispatcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/estuary/federator/internal/cache"
	"github.com/estuary/federator/internal/config"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type callerIDKey struct{}

// CallerID returns the authorised caller's azp, as attached by
// AuthorisationInterceptor, or "" if none is present (should not happen
// for a request that passed the chain).
func CallerID(ctx context.Context) string {
	if v, ok := ctx.Value(callerIDKey{}).(string); ok {
		return v
	}
	return ""
}

// TokenVerifier verifies a bearer token; claim extraction is done
// separately by an ExtractClientIDFunc.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) bool
}

// ExtractClientIDFunc extracts the azp/client_id claim of a bearer token.
type ExtractClientIDFunc func(token string) string

// AuthInterceptor requires a valid `Authorization: Bearer <token>`,
// rejecting with UNAUTHENTICATED otherwise.
func AuthInterceptor(verifier TokenVerifier) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		var tokenStr, err = bearerToken(ss.Context())
		if err != nil {
			return status.Error(codes.Unauthenticated, err.Error())
		}
		if !verifier.Verify(ss.Context(), tokenStr) {
			return status.Error(codes.Unauthenticated, "invalid or expired bearer token")
		}
		return handler(srv, &tokenCarryingStream{ServerStream: ss, token: tokenStr})
	}
}

func bearerToken(ctx context.Context) (string, error) {
	var md, ok = metadata.FromIncomingContext(ctx)
	if !ok {
		return "", fmt.Errorf("missing request metadata")
	}
	var values = md.Get("authorization")
	if len(values) == 0 {
		return "", fmt.Errorf("missing Authorization header")
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(values[0], prefix) {
		return "", fmt.Errorf("Authorization header is not a bearer token")
	}
	return strings.TrimPrefix(values[0], prefix), nil
}

type tokenCarryingStream struct {
	grpc.ServerStream
	token string
}

// AuthorisationInterceptor reads `azp` from the token, loads the
// producer snapshot for this node from the cache, and accepts the call
// iff azp is a consumer of any product of any producer entry.
func AuthorisationInterceptor(snapshots *cache.Cache, nodeID string, extractClientID ExtractClientIDFunc) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		var tcs, ok = ss.(*tokenCarryingStream)
		if !ok {
			return status.Error(codes.Internal, "authorisation interceptor requires AuthInterceptor upstream")
		}

		var azp = extractClientID(tcs.token)
		if azp == "" {
			return status.Error(codes.PermissionDenied, "token carries no azp/client_id claim")
		}

		var value, found = snapshots.Get(cache.Producer, nodeID)
		if !found {
			return status.Error(codes.PermissionDenied, "no producer configuration cached for this node")
		}
		var snap = value.(config.Snapshot)

		var authorised = snap.AllProducersConsumerIDs()
		if _, ok := authorised[strings.ToLower(azp)]; !ok {
			return status.Errorf(codes.PermissionDenied, "caller %q is not an authorised consumer of any product", azp)
		}

		var ctx = context.WithValue(ss.Context(), callerIDKey{}, azp)
		return handler(srv, &ctxOverrideStream{ServerStream: ss, ctx: ctx})
	}
}

type ctxOverrideStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *ctxOverrideStream) Context() context.Context { return s.ctx }

// TimeoutInterceptor applies a hard server-side deadline per call,
// closing with DEADLINE_EXCEEDED on expiry.
func TimeoutInterceptor(timeout time.Duration) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		var ctx, cancel = context.WithTimeout(ss.Context(), timeout)
		defer cancel()

		var err = handler(srv, &ctxOverrideStream{ServerStream: ss, ctx: ctx})
		if ctx.Err() == context.DeadlineExceeded {
			log.WithField("method", info.FullMethod).Debug("stream closed by server-side deadline")
			return status.Error(codes.DeadlineExceeded, "server-side deadline exceeded")
		}
		return err
	}
}

// ChainStreamInterceptors composes interceptors into a single
// grpc.StreamServerInterceptor, innermost last, matching the ordering
// §4.5 lists them: Auth, then Authorisation, then Timeout.
func ChainStreamInterceptors(interceptors ...grpc.StreamServerInterceptor) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		var chain = handler
		for i := len(interceptors) - 1; i >= 0; i-- {
			var interceptor = interceptors[i]
			var next = chain
			chain = func(srv any, ss grpc.ServerStream) error {
				return interceptor(srv, ss, info, next)
			}
		}
		return chain(srv, ss)
	}
}
