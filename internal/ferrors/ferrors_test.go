package ferrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestWrapNilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(Transient, nil))
}

func TestWrapAndUnwrap(t *testing.T) {
	var cause = errors.New("boom")
	var err = Wrap(Integrity, cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "integrity: boom", err.Error())
}

func TestClassifyOfExplicitKindWins(t *testing.T) {
	var err = Wrap(Authorisation, status.Error(codes.Unavailable, "ignored"))
	assert.Equal(t, Authorisation, ClassifyOf(err))
}

func TestClassifyOfFallsBackToGRPCStatus(t *testing.T) {
	assert.Equal(t, Authentication, ClassifyOf(status.Error(codes.Unauthenticated, "")))
	assert.Equal(t, Authorisation, ClassifyOf(status.Error(codes.PermissionDenied, "")))
	assert.Equal(t, Cancelled, ClassifyOf(status.Error(codes.OutOfRange, "")))
	assert.Equal(t, Cancelled, ClassifyOf(status.Error(codes.Canceled, "")))
	assert.Equal(t, Cancelled, ClassifyOf(status.Error(codes.DeadlineExceeded, "")))
	assert.Equal(t, Protocol, ClassifyOf(status.Error(codes.InvalidArgument, "")))
	assert.Equal(t, Transient, ClassifyOf(status.Error(codes.Unavailable, "")))
	assert.Equal(t, Transient, ClassifyOf(status.Error(codes.Internal, "")))
	assert.Equal(t, Unknown, ClassifyOf(nil))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(status.Error(codes.Unavailable, "")))
	assert.True(t, Retryable(status.Error(codes.Unauthenticated, "")))
	assert.False(t, Retryable(status.Error(codes.PermissionDenied, "")))
	assert.False(t, Retryable(status.Error(codes.InvalidArgument, "")))
}

func TestEndOfStream(t *testing.T) {
	assert.True(t, EndOfStream(status.Error(codes.OutOfRange, "")))
	assert.True(t, EndOfStream(status.Error(codes.Canceled, "")))
	assert.True(t, EndOfStream(status.Error(codes.DeadlineExceeded, "")))
	assert.False(t, EndOfStream(status.Error(codes.Unavailable, "")))
	assert.False(t, EndOfStream(errors.New("not a grpc status")))
}

func TestFatal(t *testing.T) {
	assert.True(t, Fatal(status.Error(codes.InvalidArgument, "")))
	assert.True(t, Fatal(status.Error(codes.PermissionDenied, "")))
	assert.True(t, Fatal(Wrap(Integrity, errors.New("checksum"))))
	assert.False(t, Fatal(status.Error(codes.Unavailable, "")))
}
