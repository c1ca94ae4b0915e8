package reconcile

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unisync/internal/docstore"
)

var fixedNow = time.UnixMilli(1_700_000_000_000)

func setup(t *testing.T) (*Reconciler, *docstore.Memory) {
	t.Helper()
	store := docstore.NewMemory()
	return New(store, WithClock(func() time.Time { return fixedNow })), store
}

func TestCreateStampsSyncFields(t *testing.T) {
	r, store := setup(t)
	ctx := context.Background()

	report := r.Reconcile(ctx, "u1", []SyncOperation{{
		Operation:  "CREATE",
		EntityType: EntityAnnouncement,
		EntityID:   "a1",
		EntityData: map[string]any{"title": "Exam moved", "id": "spoofed"},
	}})

	require.Equal(t, 1, report.Synced)
	require.Equal(t, 0, report.Failed)
	assert.Equal(t, Result{Operation: "CREATE", EntityType: EntityAnnouncement, EntityID: "a1", Status: "success"}, report.Results[0])

	doc, err := store.Get(ctx, "announcements", "a1")
	require.NoError(t, err)
	assert.Equal(t, docstore.Doc{
		"id":           "a1",
		"title":        "Exam moved",
		"isSynced":     true,
		"lastSyncTime": float64(fixedNow.UnixMilli()),
	}, doc)
}

func TestReplayIsIdempotent(t *testing.T) {
	r, store := setup(t)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "assignments", "as1", docstore.Doc{"id": "as1", "title": "Essay", "points": 10}))

	batch := []SyncOperation{
		{Operation: "CREATE", EntityType: EntityTimetable, EntityID: "t1", EntityData: map[string]any{"room": "B12"}},
		{Operation: "UPDATE", EntityType: EntityAssignment, EntityID: "as1", EntityData: map[string]any{"points": 20}},
	}

	first := r.Reconcile(ctx, "u1", batch)
	t1Once, _ := store.Get(ctx, "timetables", "t1")
	as1Once, _ := store.Get(ctx, "assignments", "as1")

	second := r.Reconcile(ctx, "u1", batch)
	t1Twice, _ := store.Get(ctx, "timetables", "t1")
	as1Twice, _ := store.Get(ctx, "assignments", "as1")

	assert.Equal(t, 2, first.Synced)
	assert.Equal(t, 2, second.Synced)
	assert.Equal(t, t1Once, t1Twice)
	assert.Equal(t, as1Once, as1Twice)
	assert.Equal(t, "Essay", as1Twice["title"], "update merges rather than replaces")
}

func TestUpdateCannotChangeID(t *testing.T) {
	r, store := setup(t)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "messages", "m1", docstore.Doc{"id": "m1", "body": "hi"}))

	report := r.Reconcile(ctx, "u1", []SyncOperation{{
		Operation: "UPDATE", EntityType: EntityMessage, EntityID: "m1",
		EntityData: map[string]any{"id": "m2", "body": "hello"},
	}})

	require.Equal(t, 1, report.Synced)
	doc, err := store.Get(ctx, "messages", "m1")
	require.NoError(t, err)
	assert.Equal(t, "m1", doc["id"])
	assert.Equal(t, "hello", doc["body"])
}

func TestDeleteTwiceDoesNotFail(t *testing.T) {
	r, store := setup(t)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "networkPosts", "p1", docstore.Doc{"id": "p1"}))

	del := SyncOperation{Operation: "DELETE", EntityType: EntityNetworkPost, EntityID: "p1"}
	report := r.Reconcile(ctx, "u1", []SyncOperation{del, del})

	assert.Equal(t, 2, report.Synced)
	assert.Empty(t, report.Errors)
	_, err := store.Get(ctx, "networkPosts", "p1")
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestUnknownOperationIsIsolated(t *testing.T) {
	r, _ := setup(t)

	batch := []SyncOperation{
		{Operation: "CREATE", EntityType: EntityMessage, EntityID: "m1"},
		{Operation: "UPSERT", EntityType: EntityMessage, EntityID: "m2"},
		{Operation: "create", EntityType: EntityMessage, EntityID: "m3"},
		{Operation: "DELETE", EntityType: EntityMessage, EntityID: "m4"},
	}
	report := r.Reconcile(context.Background(), "u1", batch)

	assert.Equal(t, 3, report.Synced)
	require.Equal(t, 1, report.Failed)
	assert.Equal(t, OperationError{Operation: "UPSERT", EntityType: EntityMessage, EntityID: "m2", Error: "Unknown operation"}, report.Errors[0])
}

func TestPerOperationFailures(t *testing.T) {
	r, _ := setup(t)

	batch := []SyncOperation{
		{Operation: "UPDATE", EntityType: EntityAssignment, EntityID: "missing", EntityData: map[string]any{"x": 1}},
		{Operation: "CREATE", EntityType: "Grade", EntityID: "g1"},
		{Operation: "CREATE", EntityType: EntityAssignment},
		{Operation: "CREATE", EntityID: "x"},
		{Operation: "CREATE", EntityType: EntityAssignment, EntityID: "ok"},
	}
	report := r.Reconcile(context.Background(), "u1", batch)

	assert.Equal(t, 1, report.Synced)
	require.Equal(t, 4, report.Failed)
	assert.Equal(t, "document not found", report.Errors[0].Error)
	assert.Equal(t, `unknown entity type "Grade"`, report.Errors[1].Error)
	assert.Equal(t, "entityId is required", report.Errors[2].Error)
	assert.Equal(t, "entityType is required", report.Errors[3].Error)
}

func TestResultCompleteness(t *testing.T) {
	r, _ := setup(t)
	tags := []string{"CREATE", "UPDATE", "DELETE", "BOGUS", ""}
	var batch []SyncOperation
	for i := 0; i < 25; i++ {
		batch = append(batch, SyncOperation{
			Operation:  tags[i%len(tags)],
			EntityType: EntityTimetable,
			EntityID:   "t" + string(rune('a'+i)),
		})
	}

	report := r.Reconcile(context.Background(), "u1", batch)
	assert.Equal(t, len(batch), len(report.Results)+len(report.Errors))
	assert.Equal(t, len(batch), report.Synced+report.Failed)
}

func TestEmptyBatch(t *testing.T) {
	r, _ := setup(t)
	report := r.Reconcile(context.Background(), "u1", nil)

	assert.Equal(t, 0, report.Synced)
	assert.NotNil(t, report.Results)
	assert.NotNil(t, report.Errors)
}

func TestStatus(t *testing.T) {
	r, _ := setup(t)
	ctx := context.Background()

	st, err := r.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, Status{UserID: "u1", LastSyncTime: 0, IsOnline: true}, st)

	r.Reconcile(ctx, "u1", []SyncOperation{{Operation: "DELETE", EntityType: EntityMessage, EntityID: "m1"}})

	st, err = r.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, fixedNow.UnixMilli(), st.LastSyncTime)
}

func TestCollectionFor(t *testing.T) {
	c, err := CollectionFor(EntityNetworkPost)
	require.NoError(t, err)
	assert.Equal(t, "networkPosts", c)

	_, err = CollectionFor("announcement")
	assert.Error(t, err, "entity types are case sensitive")
}

func TestAttendanceCreateKeepsOneRecordPerClass(t *testing.T) {
	r, store := setup(t)
	ctx := context.Background()
	data := map[string]any{"studentId": "S1", "courseId": "CS101", "classDate": float64(fixedNow.UnixMilli())}

	report := r.Reconcile(ctx, "S1", []SyncOperation{
		{Operation: "CREATE", EntityType: EntityAttendance, EntityID: "client-1", EntityData: data},
		{Operation: "CREATE", EntityType: EntityAttendance, EntityID: "client-1", EntityData: data},
		{Operation: "CREATE", EntityType: EntityAttendance, EntityID: "client-2", EntityData: data},
		{Operation: "UPDATE", EntityType: EntityAttendance, EntityID: "client-1", EntityData: map[string]any{"status": "LATE", "classDate": 1, "studentId": "S9"}},
	})

	assert.Equal(t, 3, report.Synced)
	require.Equal(t, 1, report.Failed)
	assert.Equal(t, OperationError{Operation: "CREATE", EntityType: EntityAttendance, EntityID: "client-2", Error: "Attendance already marked for this class"}, report.Errors[0])

	docs, err := store.Query(ctx, docstore.Query{Collection: "attendance"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "S1", docs[0]["studentId"])
	assert.Equal(t, float64(fixedNow.UnixMilli()), docs[0]["classDate"])
	assert.Equal(t, "LATE", docs[0]["status"])
	assert.Equal(t, "client-1", docs[0]["clientId"])

	report = r.Reconcile(ctx, "S1", []SyncOperation{{Operation: "DELETE", EntityType: EntityAttendance, EntityID: "client-1"}})
	assert.Equal(t, 1, report.Synced)
	docs, err = store.Query(ctx, docstore.Query{Collection: "attendance"})
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestMistypedElementIsRejected(t *testing.T) {
	r, store := setup(t)
	ctx := context.Background()

	var ops []SyncOperation
	require.NoError(t, json.Unmarshal([]byte(`[
		{"operation":"CREATE","entityType":"Message","entityId":"m1","entityData":"body=hi"},
		{"operation":"CREATE","entityType":"Message","entityId":"m2","entityData":{"body":"hi"}}
	]`), &ops))

	report := r.Reconcile(ctx, "u1", ops)
	assert.Equal(t, 1, report.Synced)
	require.Equal(t, 1, report.Failed)
	assert.Equal(t, OperationError{Operation: "CREATE", EntityType: EntityMessage, EntityID: "m1", Error: "invalid operation"}, report.Errors[0])

	_, err := store.Get(ctx, "messages", "m1")
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}
