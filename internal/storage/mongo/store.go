package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"rxledger/internal/model"
	"rxledger/internal/storage"
)

// Collection holds one document per prescription id.
const Collection = "prescriptions"

type document struct {
	PrescriptionID string    `bson:"_id"`
	DoctorAddress  string    `bson:"doctorAddress"`
	DoctorKey      string    `bson:"doctorKey"`
	PatientID      string    `bson:"patientId"`
	DrugName       string    `bson:"drugName"`
	Dosage         string    `bson:"dosage"`
	Notes          string    `bson:"notes"`
	DataHash       string    `bson:"dataHash"`
	TxHash         string    `bson:"txHash"`
	Network        string    `bson:"network"`
	Status         string    `bson:"status"`
	IssuedAt       int64     `bson:"issuedAt"`
	UsedAt         *int64    `bson:"usedAt,omitempty"`
	DemoMode       bool      `bson:"demoMode"`
	UpdatedAt      time.Time `bson:"updatedAt"`
}

func (d document) prescription() model.Prescription {
	return model.Prescription{
		PrescriptionID: d.PrescriptionID,
		DoctorAddress:  d.DoctorAddress,
		PatientID:      d.PatientID,
		DrugName:       d.DrugName,
		Dosage:         d.Dosage,
		Notes:          d.Notes,
		DataHash:       d.DataHash,
		TxHash:         d.TxHash,
		Network:        d.Network,
		Status:         model.Status(d.Status),
		IssuedAt:       d.IssuedAt,
		UsedAt:         d.UsedAt,
		DemoMode:       d.DemoMode,
	}
}

// Store mirrors prescriptions into a MongoDB collection.
type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
	logger *zap.Logger
}

var _ storage.MirrorStore = (*Store)(nil)

func NewStore(ctx context.Context, uri, database string, logger *zap.Logger) (*Store, error) {
	if uri == "" {
		return nil, fmt.Errorf("mongo uri is required")
	}
	if database == "" {
		return nil, fmt.Errorf("mongo database is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return &Store{
		client: client,
		coll:   client.Database(database).Collection(Collection),
		logger: logger,
	}, nil
}

func (s *Store) Close() {
	if s.client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.Disconnect(ctx); err != nil {
		s.logger.Warn("disconnect mongo", zap.Error(err))
	}
}

// EnsureIndexes creates the lookup indexes used by List.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "patientId", Value: 1}, {Key: "issuedAt", Value: -1}}},
		{Keys: bson.D{{Key: "doctorKey", Value: 1}, {Key: "issuedAt", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	return nil
}

// Put upserts a record. A used document keeps its status and usedAt.
func (s *Store) Put(ctx context.Context, record model.Prescription) error {
	if record.PrescriptionID == "" {
		return fmt.Errorf("prescription id required")
	}
	_, err := s.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: record.PrescriptionID}},
		putPipeline(record),
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("upsert prescription: %w", err)
	}
	return nil
}

// Update marks a prescription used. usedAt is only set the first time.
func (s *Store) Update(ctx context.Context, prescriptionID string, update model.StatusUpdate) error {
	if update.Status != model.StatusUsed {
		return fmt.Errorf("unsupported status transition to %q", update.Status)
	}
	res, err := s.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: prescriptionID}},
		mongo.Pipeline{{{Key: "$set", Value: bson.D{
			{Key: "status", Value: string(model.StatusUsed)},
			{Key: "usedAt", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$usedAt", update.UsedAt}}}},
			{Key: "updatedAt", Value: "$$NOW"},
		}}}},
	)
	if err != nil {
		return fmt.Errorf("update prescription: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, prescriptionID)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, prescriptionID string) (model.Prescription, bool, error) {
	var doc document
	err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: prescriptionID}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return model.Prescription{}, false, nil
		}
		return model.Prescription{}, false, fmt.Errorf("get prescription: %w", err)
	}
	return doc.prescription(), true, nil
}

func (s *Store) List(ctx context.Context, q storage.Query) ([]model.Prescription, error) {
	opts := options.Find().SetSort(bson.D{{Key: "issuedAt", Value: -1}, {Key: "_id", Value: 1}})
	cur, err := s.coll.Find(ctx, queryFilter(q), opts)
	if err != nil {
		return nil, fmt.Errorf("list prescriptions: %w", err)
	}
	defer cur.Close(ctx)

	out := make([]model.Prescription, 0)
	for cur.Next(ctx) {
		var doc document
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode prescription: %w", err)
		}
		out = append(out, doc.prescription())
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("list prescriptions: %w", err)
	}
	return out, nil
}

// Subscribe opens a change stream on the collection and reloads q on every
// event. Change streams need a replica set or sharded cluster.
func (s *Store) Subscribe(ctx context.Context, q storage.Query, onChange func([]model.Prescription)) (storage.Unsubscribe, error) {
	if onChange == nil {
		return nil, fmt.Errorf("onChange is nil")
	}
	stream, err := s.coll.Watch(ctx, mongo.Pipeline{})
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", Collection, err)
	}

	w := storage.NewWatcher(ctx, func(ctx context.Context) ([]model.Prescription, error) {
		return s.List(ctx, q)
	}, onChange, s.logger)

	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = stream.Close(closeCtx)
		}()
		for stream.Next(w.Context()) {
			w.Poke()
		}
		if err := stream.Err(); err != nil && w.Context().Err() == nil {
			s.logger.Warn("change stream ended", zap.Error(err))
			w.Stop()
		}
	}()

	return func() {
		w.Stop()
		<-streamDone
	}, nil
}

func putPipeline(record model.Prescription) mongo.Pipeline {
	status := record.Status
	if status == "" {
		status = model.StatusIssued
	}
	var usedAt interface{}
	if record.UsedAt != nil {
		usedAt = *record.UsedAt
	}
	alreadyUsed := bson.D{{Key: "$eq", Value: bson.A{"$status", string(model.StatusUsed)}}}

	return mongo.Pipeline{{{Key: "$set", Value: bson.D{
		{Key: "doctorAddress", Value: record.DoctorAddress},
		{Key: "doctorKey", Value: strings.ToLower(record.DoctorAddress)},
		{Key: "patientId", Value: record.PatientID},
		{Key: "drugName", Value: record.DrugName},
		{Key: "dosage", Value: record.Dosage},
		{Key: "notes", Value: record.Notes},
		{Key: "dataHash", Value: record.DataHash},
		{Key: "txHash", Value: record.TxHash},
		{Key: "network", Value: record.Network},
		{Key: "issuedAt", Value: record.IssuedAt},
		{Key: "demoMode", Value: record.DemoMode},
		{Key: "status", Value: bson.D{{Key: "$cond", Value: bson.A{alreadyUsed, "$status", string(status)}}}},
		{Key: "usedAt", Value: bson.D{{Key: "$cond", Value: bson.A{alreadyUsed, "$usedAt", bson.D{{Key: "$literal", Value: usedAt}}}}}},
		{Key: "updatedAt", Value: "$$NOW"},
	}}}}
}

func queryFilter(q storage.Query) bson.D {
	filter := bson.D{}
	if q.PatientID != "" {
		filter = append(filter, bson.E{Key: "patientId", Value: q.PatientID})
	}
	if q.DoctorAddress != "" {
		filter = append(filter, bson.E{Key: "doctorKey", Value: strings.ToLower(q.DoctorAddress)})
	}
	if q.Status != "" {
		filter = append(filter, bson.E{Key: "status", Value: string(q.Status)})
	}
	return filter
}
