package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"rxledger/internal/model"
	"rxledger/internal/storage"
)

// Channel is the LISTEN/NOTIFY channel carrying changed prescription ids.
const Channel = "prescription_changes"

const schema = `
CREATE TABLE IF NOT EXISTS prescriptions (
	prescription_id TEXT PRIMARY KEY,
	doctor_address  TEXT NOT NULL,
	patient_id      TEXT NOT NULL,
	drug_name       TEXT NOT NULL,
	dosage          TEXT NOT NULL,
	notes           TEXT NOT NULL DEFAULT '',
	data_hash       TEXT NOT NULL,
	tx_hash         TEXT NOT NULL,
	network         TEXT NOT NULL,
	status          TEXT NOT NULL,
	issued_at       BIGINT NOT NULL,
	used_at         BIGINT,
	demo_mode       BOOLEAN NOT NULL DEFAULT FALSE,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS prescriptions_patient_idx ON prescriptions (patient_id, issued_at DESC);
CREATE INDEX IF NOT EXISTS prescriptions_doctor_idx ON prescriptions (lower(doctor_address), issued_at DESC);
`

const selectColumns = `prescription_id, doctor_address, patient_id, drug_name, dosage, notes,
	data_hash, tx_hash, network, status, issued_at, used_at, demo_mode`

// Store mirrors prescriptions into Postgres.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ storage.MirrorStore = (*Store)(nil)

func NewStore(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool, logger: logger}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnsureSchema creates the prescriptions table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Put upserts a record and notifies listeners. Content fields are replaced;
// a used row keeps its status and used_at.
func (s *Store) Put(ctx context.Context, record model.Prescription) error {
	if record.PrescriptionID == "" {
		return fmt.Errorf("prescription id required")
	}
	status := record.Status
	if status == "" {
		status = model.StatusIssued
	}

	batch := &pgx.Batch{}
	batch.Queue(`
		INSERT INTO prescriptions (
			prescription_id, doctor_address, patient_id, drug_name, dosage, notes,
			data_hash, tx_hash, network, status, issued_at, used_at, demo_mode, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,now(),now())
		ON CONFLICT (prescription_id)
		DO UPDATE SET
			doctor_address = EXCLUDED.doctor_address,
			patient_id = EXCLUDED.patient_id,
			drug_name = EXCLUDED.drug_name,
			dosage = EXCLUDED.dosage,
			notes = EXCLUDED.notes,
			data_hash = EXCLUDED.data_hash,
			tx_hash = EXCLUDED.tx_hash,
			network = EXCLUDED.network,
			status = CASE WHEN prescriptions.status = 'used' THEN prescriptions.status ELSE EXCLUDED.status END,
			used_at = CASE WHEN prescriptions.status = 'used' THEN prescriptions.used_at ELSE EXCLUDED.used_at END,
			issued_at = EXCLUDED.issued_at,
			demo_mode = EXCLUDED.demo_mode,
			updated_at = now()
	`,
		record.PrescriptionID,
		record.DoctorAddress,
		record.PatientID,
		record.DrugName,
		record.Dosage,
		record.Notes,
		record.DataHash,
		record.TxHash,
		record.Network,
		string(status),
		record.IssuedAt,
		record.UsedAt,
		record.DemoMode,
	)
	batch.Queue(`SELECT pg_notify($1, $2)`, Channel, record.PrescriptionID)

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	if _, err := br.Exec(); err != nil {
		return fmt.Errorf("upsert prescription: %w", err)
	}
	if _, err := br.Exec(); err != nil {
		return fmt.Errorf("notify %s: %w", Channel, err)
	}
	return nil
}

// Update marks a prescription used. used_at is only set the first time.
func (s *Store) Update(ctx context.Context, prescriptionID string, update model.StatusUpdate) error {
	if update.Status != model.StatusUsed {
		return fmt.Errorf("unsupported status transition to %q", update.Status)
	}

	batch := &pgx.Batch{}
	batch.Queue(`
		UPDATE prescriptions
		SET status = 'used', used_at = COALESCE(used_at, $2), updated_at = now()
		WHERE prescription_id = $1
	`, prescriptionID, update.UsedAt)
	batch.Queue(`SELECT pg_notify($1, $2)`, Channel, prescriptionID)

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	tag, err := br.Exec()
	if err != nil {
		return fmt.Errorf("update prescription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, prescriptionID)
	}
	if _, err := br.Exec(); err != nil {
		return fmt.Errorf("notify %s: %w", Channel, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, prescriptionID string) (model.Prescription, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM prescriptions WHERE prescription_id = $1`, prescriptionID)
	record, err := scanPrescription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Prescription{}, false, nil
		}
		return model.Prescription{}, false, fmt.Errorf("get prescription: %w", err)
	}
	return record, true, nil
}

func (s *Store) List(ctx context.Context, q storage.Query) ([]model.Prescription, error) {
	sql, args := buildListQuery(q)
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list prescriptions: %w", err)
	}
	defer rows.Close()

	out := make([]model.Prescription, 0)
	for rows.Next() {
		record, err := scanPrescription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan prescription: %w", err)
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list prescriptions: %w", err)
	}
	return out, nil
}

// Subscribe holds one pooled connection in LISTEN mode for the lifetime of
// the subscription and reloads q on every notification.
func (s *Store) Subscribe(ctx context.Context, q storage.Query, onChange func([]model.Prescription)) (storage.Unsubscribe, error) {
	if onChange == nil {
		return nil, fmt.Errorf("onChange is nil")
	}
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen conn: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen %s: %w", Channel, err)
	}

	w := storage.NewWatcher(ctx, func(ctx context.Context) ([]model.Prescription, error) {
		return s.List(ctx, q)
	}, onChange, s.logger)

	listenDone := make(chan struct{})
	go func() {
		defer close(listenDone)
		defer s.releaseListener(conn)
		for {
			n, err := conn.Conn().WaitForNotification(w.Context())
			if err != nil {
				if w.Context().Err() == nil {
					s.logger.Warn("listen connection lost", zap.Error(err))
					w.Stop()
				}
				return
			}
			s.logger.Debug("mirror change", zap.String("prescription_id", n.Payload))
			w.Poke()
		}
	}()

	return func() {
		w.Stop()
		<-listenDone
	}, nil
}

func (s *Store) releaseListener(conn *pgxpool.Conn) {
	if !conn.Conn().IsClosed() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := conn.Exec(ctx, "UNLISTEN "+Channel); err != nil {
			s.logger.Debug("unlisten failed", zap.Error(err))
		}
		cancel()
	}
	conn.Release()
}

func buildListQuery(q storage.Query) (string, []interface{}) {
	var (
		where []string
		args  []interface{}
	)
	if q.PatientID != "" {
		args = append(args, q.PatientID)
		where = append(where, fmt.Sprintf("patient_id = $%d", len(args)))
	}
	if q.DoctorAddress != "" {
		args = append(args, q.DoctorAddress)
		where = append(where, fmt.Sprintf("lower(doctor_address) = lower($%d)", len(args)))
	}
	if q.Status != "" {
		args = append(args, string(q.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(selectColumns)
	b.WriteString(" FROM prescriptions")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY issued_at DESC, prescription_id ASC")
	return b.String(), args
}

func scanPrescription(row pgx.Row) (model.Prescription, error) {
	var (
		p      model.Prescription
		status string
	)
	err := row.Scan(
		&p.PrescriptionID,
		&p.DoctorAddress,
		&p.PatientID,
		&p.DrugName,
		&p.Dosage,
		&p.Notes,
		&p.DataHash,
		&p.TxHash,
		&p.Network,
		&status,
		&p.IssuedAt,
		&p.UsedAt,
		&p.DemoMode,
	)
	if err != nil {
		return model.Prescription{}, err
	}
	p.Status = model.Status(status)
	return p, nil
}
