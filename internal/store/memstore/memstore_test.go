package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simplesurance/runledger/internal/model"
	"github.com/simplesurance/runledger/internal/store"
	"github.com/simplesurance/runledger/internal/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(*testing.T) store.Store {
		return New()
	})
}

func TestReturnedRecordsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := New()

	p, err := s.GetOrCreateProject(ctx, "packit", "ogr", "https://github.com/packit/ogr", "https://github.com")
	require.NoError(t, err)
	ev, err := s.GetOrCreateProjectEvent(ctx, model.EventKindBranchPush, "main", p.ID, "abcdef")
	require.NoError(t, err)

	run := model.Run{ProjectEventID: ev.ID}
	require.NoError(t, s.CreateRun(ctx, &run))
	run.SetGroupID(model.StageCoprBuild, 99)

	stored, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.GroupID(model.StageCoprBuild))
}
