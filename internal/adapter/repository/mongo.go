package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/hive-corporation/watchtower-enrich/internal/core/domain"
)

const indicatorsCollection = "indicators"

// MongoRepository stores one document per indicator value.
type MongoRepository struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// ConnectMongo dials the server, verifies it with a ping and makes sure the
// unique index on value exists.
func ConnectMongo(ctx context.Context, uri, dbName string, logger *zap.SugaredLogger) (*MongoRepository, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(cctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(cctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	repo := &MongoRepository{client: client, coll: client.Database(dbName).Collection(indicatorsCollection)}
	_, err = repo.coll.Indexes().CreateOne(cctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "value", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to create value index: %w", err)
	}

	logger.Infow("Connected to MongoDB", "database", dbName)
	return repo, nil
}

func (r *MongoRepository) Close(ctx context.Context) error {
	return r.client.Disconnect(ctx)
}

func (r *MongoRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx, nil)
}

func (r *MongoRepository) Exists(ctx context.Context, value string) (bool, error) {
	n, err := r.coll.CountDocuments(ctx, bson.M{"value": value}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("failed to check indicator: %w", err)
	}
	return n > 0, nil
}

func (r *MongoRepository) FindByValue(ctx context.Context, value string) (*domain.IndicatorRecord, error) {
	var rec domain.IndicatorRecord
	err := r.coll.FindOne(ctx, bson.M{"value": value}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load indicator: %w", err)
	}
	return &rec, nil
}

func (r *MongoRepository) Upsert(ctx context.Context, rec *domain.IndicatorRecord) error {
	update, err := upsertUpdate(rec)
	if err != nil {
		return err
	}
	_, err = r.coll.UpdateOne(ctx, bson.M{"value": rec.Value}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to upsert %q: %w", rec.Value, err)
	}
	return nil
}

// UpsertMany upserts all records with one unordered bulk write.
func (r *MongoRepository) UpsertMany(ctx context.Context, recs []*domain.IndicatorRecord) error {
	if len(recs) == 0 {
		return nil
	}
	models := make([]mongo.WriteModel, 0, len(recs))
	for _, rec := range recs {
		update, err := upsertUpdate(rec)
		if err != nil {
			return err
		}
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"value": rec.Value}).
			SetUpdate(update).
			SetUpsert(true))
	}
	if _, err := r.coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false)); err != nil {
		return fmt.Errorf("failed to bulk upsert %d indicators: %w", len(recs), err)
	}
	return nil
}

// identityFields are written on insert only.
var identityFields = []string{"first_seen", "correlation_id"}

// upsertUpdate sets every field of rec except the identity fields, which only
// an insert may set. Optional fields missing from rec are unset so the stored
// document matches the record.
func upsertUpdate(rec *domain.IndicatorRecord) (bson.M, error) {
	raw, err := bson.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %q: %w", rec.Value, err)
	}
	var set bson.M
	if err := bson.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("failed to encode %q: %w", rec.Value, err)
	}

	onInsert := bson.M{}
	for _, f := range identityFields {
		onInsert[f] = set[f]
		delete(set, f)
	}
	update := bson.M{"$set": set, "$setOnInsert": onInsert}

	unset := bson.M{}
	for _, f := range optionalFields {
		if _, ok := set[f]; !ok {
			unset[f] = ""
		}
	}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	return update, nil
}

var optionalFields = []string{
	"tags", "malware_family", "threat_actor", "threat_type", "description", "context", "related_url",
	"reputation_detection_rate", "reputation_score", "detections", "abuse_confidence", "url_status",
	"enrichment_status",
}
