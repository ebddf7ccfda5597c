package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rxledger/internal/model"
	"rxledger/internal/storage"
)

func TestBuildListQuery(t *testing.T) {
	sql, args := buildListQuery(storage.Query{})
	require.NotContains(t, sql, "WHERE")
	require.Contains(t, sql, "ORDER BY issued_at DESC")
	require.Empty(t, args)

	sql, args = buildListQuery(storage.Query{PatientID: "P1", DoctorAddress: "0xAB", Status: model.StatusUsed})
	require.Contains(t, sql, "WHERE patient_id = $1 AND lower(doctor_address) = lower($2) AND status = $3")
	require.Equal(t, []interface{}{"P1", "0xAB", "used"}, args)

	_, args = buildListQuery(storage.Query{Status: model.StatusIssued})
	require.Equal(t, []interface{}{"issued"}, args)
}

// The remaining tests need a disposable database.
func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("RXLEDGER_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("RXLEDGER_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	s, err := NewStore(ctx, dsn, nil)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.EnsureSchema(ctx))
	_, err = s.pool.Exec(ctx, "TRUNCATE prescriptions")
	require.NoError(t, err)
	return s
}

func TestStoreMonotonicStatus(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := model.Prescription{
		PrescriptionID: "RX-1",
		DoctorAddress:  "0xabc",
		PatientID:      "P1",
		DrugName:       "Amoxicillin",
		Dosage:         "500mg",
		DataHash:       "851dc7f056f7c6130dbe3a3b745bc019887b9c9b9bd8b37466b378e98fe2a925",
		TxHash:         "0x01",
		Network:        "devnet",
		Status:         model.StatusIssued,
		IssuedAt:       100,
	}
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

	err = s.Update(ctx, "RX-404", model.StatusUpdate{Status: model.StatusUsed, UsedAt: 1})
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStoreSubscribe(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ch := make(chan []model.Prescription, 8)
	unsubscribe, err := s.Subscribe(ctx, storage.Query{PatientID: "P9"}, func(records []model.Prescription) {
		ch <- records
	})
	require.NoError(t, err)
	defer unsubscribe()

	select {
	case snap := <-ch:
		require.Empty(t, snap)
	case <-time.After(5 * time.Second):
		t.Fatal("no initial snapshot")
	}

	require.NoError(t, s.Put(ctx, model.Prescription{PrescriptionID: "RX-9", PatientID: "P9", Status: model.StatusIssued, IssuedAt: 1}))

	require.Eventually(t, func() bool {
		select {
		case snap := <-ch:
			return len(snap) == 1 && snap[0].PrescriptionID == "RX-9"
		default:
			return false
		}
	}, 5*time.Second, 20*time.Millisecond)
}
