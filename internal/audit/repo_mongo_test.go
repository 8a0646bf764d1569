package audit

import (
	"context"
	"errors"
	"testing"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

type fakeCollection struct {
	docs []any
	err  error
}

func (f *fakeCollection) InsertOne(_ context.Context, doc any, _ ...options.Lister[options.InsertOneOptions]) (*mongo.InsertOneResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.docs = append(f.docs, doc)
	return &mongo.InsertOneResult{InsertedID: doc.(Event).ID}, nil
}

func TestMongoRepo_AppendInsertsEvent(t *testing.T) {
	coll := &fakeCollection{}
	repo := &MongoRepo{collection: coll}

	if err := repo.Append(context.Background(), Event{ID: "e1", TenantID: "salon-1", Type: EventTypeWalletTopUp}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(coll.docs) != 1 || coll.docs[0].(Event).ID != "e1" {
		t.Fatalf("unexpected docs: %+v", coll.docs)
	}
}

func TestMongoRepo_DuplicateIsNotAnError(t *testing.T) {
	dup := mongo.WriteException{WriteErrors: []mongo.WriteError{{Code: 11000, Message: "E11000 duplicate key"}}}
	repo := &MongoRepo{collection: &fakeCollection{err: dup}}
	if err := repo.Append(context.Background(), Event{ID: "e1"}); err != nil {
		t.Fatalf("expected duplicate to be ignored, got %v", err)
	}

	boom := errors.New("server selection timeout")
	repo = &MongoRepo{collection: &fakeCollection{err: boom}}
	if err := repo.Append(context.Background(), Event{ID: "e2"}); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}
