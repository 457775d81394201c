package service

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/qsign/internal/domain/models"
	"github.com/turtacn/qsign/internal/domain/repository"
	"github.com/turtacn/qsign/pkg/constants"
	"github.com/turtacn/qsign/pkg/errors"
)

func newSigningService(f *fixture) *SigningService {
	return NewSigningService(f.catalog, f.newOneTimeKeyService(), f.keys, f.sessions, f.signer, f.retrier, f.log)
}

func TestSigningService_SignOnce(t *testing.T) {
	f := newFixture(t)
	key := f.seedKey(t, oneTimePool, constants.KeyStateAvailable, time.Now())
	f.signer.On("Process", mock.Anything, mock.MatchedBy(func(req models.ProcessRequest) bool {
		return req.WorkerName == testWorker && req.KeyAlias == key.KeyAlias && req.Encoding == models.EncodingNone
	})).Return(&models.ProcessResponse{SignedData: []byte("sig")}, nil)

	resp, err := newSigningService(f).SignOnce(context.Background(), SignOnceRequest{
		CryptoTokenID: testTokenID,
		Algorithm:     "RSA",
		Data:          []byte("hello"),
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("sig"), resp.SignedData)
	assert.Equal(t, []byte("leaf"), resp.Certificate)

	stored, err := f.keys.GetKeyByID(context.Background(), key.ID)
	require.NoError(t, err)
	assert.True(t, stored.UsedUp)
}

func TestSigningService_SignOnceConsumesKeyOnFailure(t *testing.T) {
	f := newFixture(t)
	key := f.seedKey(t, oneTimePool, constants.KeyStateAvailable, time.Now())
	f.signer.On("Process", mock.Anything, mock.Anything).
		Return(nil, errors.ErrRemoteSystem(constants.RemoteSystemSignServer, "process", false, stderrors.New("worker offline")))

	_, err := newSigningService(f).SignOnce(context.Background(), SignOnceRequest{
		CryptoTokenID: testTokenID,
		Algorithm:     "RSA",
		Data:          []byte("hello"),
	})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindRemoteSystem))

	stored, err := f.keys.GetKeyByID(context.Background(), key.ID)
	require.NoError(t, err)
	assert.True(t, stored.UsedUp)
	assert.False(t, stored.InUse)
}

// failingConsume refuses to retire keys.
type failingConsume struct {
	repository.KeyRepository
}

func (failingConsume) ReleaseKey(context.Context, string, bool) error {
	return errors.ErrPersistenceFatal("release key", assert.AnError)
}

func TestSigningService_SignOnceKeepsSignatureWhenConsumeFails(t *testing.T) {
	f := newFixture(t)
	key := f.seedKey(t, oneTimePool, constants.KeyStateAvailable, time.Now())
	f.signer.On("Process", mock.Anything, mock.Anything).Return(&models.ProcessResponse{SignedData: []byte("sig")}, nil)

	keys := failingConsume{f.keys}
	oneTime := NewOneTimeKeyService(f.catalog, keys, f.events, nil, f.retrier, f.log)
	svc := NewSigningService(f.catalog, oneTime, keys, f.sessions, f.signer, f.retrier, f.log)

	resp, err := svc.SignOnce(context.Background(), SignOnceRequest{CryptoTokenID: testTokenID, Algorithm: "RSA", Data: []byte("hello")})
	require.NoError(t, err)
	assert.Equal(t, []byte("sig"), resp.SignedData)

	// still reserved, so it can never be handed out twice
	stored, err := f.keys.GetKeyByID(context.Background(), key.ID)
	require.NoError(t, err)
	assert.True(t, stored.InUse)
	assert.Equal(t, int64(0), f.countFree(t, oneTimePool))
}

func TestSigningService_SignInSession(t *testing.T) {
	f := newFixture(t)
	f.seedKey(t, sessionPool, constants.KeyStateAvailable, time.Now())
	sessions := f.newSessionKeyService()
	sess, key, err := sessions.Acquire(context.Background(), AcquireSessionRequest{UserID: "dave", CryptoTokenID: testTokenID, Algorithm: "ECDSA"})
	require.NoError(t, err)

	f.signer.On("Process", mock.Anything, mock.MatchedBy(func(req models.ProcessRequest) bool {
		return req.KeyAlias == key.KeyAlias && req.Metadata["session_id"] == sess.ID
	})).Return(&models.ProcessResponse{SignedData: []byte("sig"), Certificate: []byte("cert")}, nil)

	svc := newSigningService(f)
	resp, err := svc.SignInSession(context.Background(), sess.ID, []byte("doc"), models.EncodingBase64)
	require.NoError(t, err)
	assert.Equal(t, []byte("cert"), resp.Certificate)

	svc.now = func() time.Time { return sess.ExpiresAt.Add(time.Second) }
	_, err = svc.SignInSession(context.Background(), sess.ID, []byte("doc"), "")
	assert.True(t, errors.IsKind(err, errors.KindConflict))
	f.signer.AssertNumberOfCalls(t, "Process", 1)
}

func TestSigningService_RejectsEmptyData(t *testing.T) {
	f := newFixture(t)
	_, err := newSigningService(f).SignOnce(context.Background(), SignOnceRequest{CryptoTokenID: testTokenID, Algorithm: "RSA"})
	assert.True(t, errors.IsKind(err, errors.KindInputData))
}
