package mongo

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"rxledger/internal/model"
	"rxledger/internal/storage"
)

func TestQueryFilter(t *testing.T) {
	require.Empty(t, queryFilter(storage.Query{}))

	filter := queryFilter(storage.Query{PatientID: "P1", DoctorAddress: "0xABC", Status: model.StatusUsed})
	require.Equal(t, bson.D{
		{Key: "patientId", Value: "P1"},
		{Key: "doctorKey", Value: "0xabc"},
		{Key: "status", Value: "used"},
	}, filter)
}

func TestPutPipelineKeepsUsed(t *testing.T) {
	pipeline := putPipeline(model.Prescription{PrescriptionID: "RX-1", DoctorAddress: "0xAB"})
	require.Len(t, pipeline, 1)

	set := pipeline[0][0].Value.(bson.D)
	fields := map[string]interface{}{}
	for _, e := range set {
		fields[e.Key] = e.Value
	}
	require.Equal(t, "0xab", fields["doctorKey"])

	cond := fields["status"].(bson.D)[0]
	require.Equal(t, "$cond", cond.Key)
	args := cond.Value.(bson.A)
	require.Equal(t, "$status", args[1])
	require.Equal(t, "issued", args[2])
}

func TestDocumentPrescription(t *testing.T) {
	usedAt := int64(7)
	doc := document{PrescriptionID: "RX-1", PatientID: "P1", Status: "used", UsedAt: &usedAt, IssuedAt: 3}
	p := doc.prescription()
	require.Equal(t, "RX-1", p.PrescriptionID)
	require.True(t, p.IsUsed())
	require.Equal(t, int64(7), *p.UsedAt)
}

// The remaining tests need a replica-set MongoDB.
func testStore(t *testing.T) *Store {
	t.Helper()
	uri := os.Getenv("RXLEDGER_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("RXLEDGER_TEST_MONGO_URI not set")
	}
	ctx := context.Background()
	s, err := NewStore(ctx, uri, fmt.Sprintf("rxledger_test_%d", time.Now().UnixNano()), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.coll.Database().Drop(context.Background())
		s.Close()
	})
	require.NoError(t, s.EnsureIndexes(ctx))
	return s
}

func TestStoreMonotonicStatus(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := model.Prescription{PrescriptionID: "RX-1", DoctorAddress: "0xAbc", PatientID: "P1", Dosage: "500mg", Status: model.StatusIssued, IssuedAt: 100}
	require.NoError(t, s.Put(ctx, rec))
	require.NoError(t, s.Update(ctx, "RX-1", model.StatusUpdate{Status: model.StatusUsed, UsedAt: 200}))
	require.NoError(t, s.Update(ctx, "RX-1", model.StatusUpdate{Status: model.StatusUsed, UsedAt: 300}))

	rec.Dosage = "250mg"
	require.NoError(t, s.Put(ctx, rec))

	got, ok, err := s.Get(ctx, "RX-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "250mg", got.Dosage)
	require.Equal(t, model.StatusUsed, got.Status)
	require.Equal(t, int64(200), *got.UsedAt)

	list, err := s.List(ctx, storage.Query{DoctorAddress: "0xABC"})
	require.NoError(t, err)
	require.Len(t, list, 1)

	err = s.Update(ctx, "RX-404", model.StatusUpdate{Status: model.StatusUsed, UsedAt: 1})
	require.ErrorIs(t, err, storage.ErrNotFound)
}
