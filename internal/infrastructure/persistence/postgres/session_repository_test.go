package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/qsign/internal/domain/models"
	"github.com/turtacn/qsign/pkg/errors"
)

func TestSessionRepository_Lifecycle(t *testing.T) {
	repo := NewSessionRepository(newTestDB(t))
	ctx := context.Background()
	now := time.Now().UTC()

	late := &models.SigningSession{ID: "s-late", KeyID: "k1", UserID: "u", ExpiresAt: now.Add(-time.Minute)}
	early := &models.SigningSession{ID: "s-early", KeyID: "k2", UserID: "u", ExpiresAt: now.Add(-time.Hour)}
	live := &models.SigningSession{ID: "s-live", KeyID: "k3", UserID: "u", ExpiresAt: now.Add(time.Hour)}
	for _, s := range []*models.SigningSession{late, early, live} {
		require.NoError(t, repo.CreateSession(ctx, s))
	}

	err := repo.CreateSession(ctx, &models.SigningSession{ID: "s-dup", KeyID: "k1", UserID: "v", ExpiresAt: now})
	assert.True(t, errors.IsKind(err, errors.KindConflict))

	expired, err := repo.FindExpired(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, expired, 2)
	assert.Equal(t, "s-early", expired[0].ID)
	assert.Equal(t, "s-late", expired[1].ID)

	limited, err := repo.FindExpired(ctx, now, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	byKey, err := repo.GetSessionByKeyID(ctx, "k3")
	require.NoError(t, err)
	assert.Equal(t, "s-live", byKey.ID)

	require.NoError(t, repo.DeleteSession(ctx, "s-early"))
	require.NoError(t, repo.DeleteSession(ctx, "s-early"))
	_, err = repo.GetSession(ctx, "s-early")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestCredentialRepository(t *testing.T) {
	repo := NewCredentialRepository(newTestDB(t))
	ctx := context.Background()

	c := &models.CredentialMetadata{ID: "c1", UserID: "alice", KeyAlias: "alias", MultisignCount: 1}
	require.NoError(t, repo.CreateCredential(ctx, c))
	require.NoError(t, repo.SetDisabled(ctx, "c1", true))

	got, err := repo.GetCredential(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, got.Disabled)

	list, err := repo.ListByUser(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	assert.True(t, errors.IsNotFoundError(repo.SetDisabled(ctx, "missing", true)))
	_, err = repo.GetCredential(ctx, "missing")
	assert.True(t, errors.IsNotFoundError(err))
}
