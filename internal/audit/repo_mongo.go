package audit

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// inserter is the slice of *mongo.Collection the repository uses.
type inserter interface {
	InsertOne(ctx context.Context, document any, opts ...options.Lister[options.InsertOneOptions]) (*mongo.InsertOneResult, error)
}

// MongoRepo appends audit events to the audit_logs collection. Documents are
// keyed by event id, so a retried append cannot write a second copy.
type MongoRepo struct {
	collection inserter
}

func NewMongoRepo(client *mongo.Client, dbName string) *MongoRepo {
	return &MongoRepo{collection: client.Database(dbName).Collection("audit_logs")}
}

func (r *MongoRepo) Append(ctx context.Context, e Event) error {
	if _, err := r.collection.InsertOne(ctx, e); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}
