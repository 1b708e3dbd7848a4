package capture

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/audit"
)

type recordingSink struct {
	entries []*audit.LedgerEntry
}

func (r *recordingSink) Record(_ context.Context, entry *audit.LedgerEntry) error {
	r.entries = append(r.entries, entry)
	return nil
}

type consent struct {
	Granted bool `json:"granted"`
}

func TestCaptured_MapsLifecycleToActions(t *testing.T) {
	sink := &recordingSink{}
	svc, err := New(sink)
	require.NoError(t, err)

	userID := uuid.New()
	actor := audit.ActorContext{UserID: &userID, Username: "alice"}
	ctx := context.Background()

	cases := []struct {
		name   string
		change EntityChange
		action audit.Action
	}{
		{"create", EntityChange{EntityType: "consent", EntityID: "c1", New: consent{Granted: true}}, audit.ActionDataCreated},
		{"update", EntityChange{EntityType: "consent", EntityID: "c1", Old: consent{}, New: consent{Granted: true}}, audit.ActionDataUpdated},
		{"delete", EntityChange{EntityType: "consent", EntityID: "c1", Old: consent{Granted: true}}, audit.ActionDataDeleted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sink.entries = nil
			require.NoError(t, svc.Captured(ctx, actor, tc.change))
			require.Len(t, sink.entries, 1)

			entry := sink.entries[0]
			assert.Equal(t, tc.action, entry.Action)
			assert.Equal(t, audit.EventTypeDataChange, entry.EventType)
			assert.Equal(t, "consent", entry.EntityType)
			assert.Equal(t, "c1", entry.EntityID)
			assert.Equal(t, &userID, entry.UserID)
		})
	}
}

func TestCaptured_SerializesDiff(t *testing.T) {
	sink := &recordingSink{}
	svc, err := New(sink)
	require.NoError(t, err)

	change := EntityChange{
		EntityType: "consent",
		EntityID:   "c2",
		Old:        consent{Granted: false},
		New:        consent{Granted: true},
	}
	require.NoError(t, svc.Captured(context.Background(), audit.SystemActor(), change))
	require.Len(t, sink.entries, 1)

	var diff struct {
		Old *consent `json:"old"`
		New *consent `json:"new"`
	}
	require.NoError(t, json.Unmarshal([]byte(sink.entries[0].Changes), &diff))
	require.NotNil(t, diff.Old)
	require.NotNil(t, diff.New)
	assert.False(t, diff.Old.Granted)
	assert.True(t, diff.New.Granted)
}

func TestCaptured_RequiresEntityIdentity(t *testing.T) {
	svc, err := New(&recordingSink{})
	require.NoError(t, err)

	err = svc.Captured(context.Background(), audit.SystemActor(), EntityChange{EntityID: "c1", New: consent{}})
	assert.Error(t, err)

	err = svc.Captured(context.Background(), audit.SystemActor(), EntityChange{EntityType: "consent", New: consent{}})
	assert.Error(t, err)
}

func TestNew_RequiresRecorder(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}
