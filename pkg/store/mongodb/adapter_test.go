package mongodb

import (
	"context"
	"reflect"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/nimburion/stache/pkg/observability/logger"
	"github.com/nimburion/stache/pkg/stache"
)

type mockLogger struct{}

func (m *mockLogger) Debug(string, ...any)                      {}
func (m *mockLogger) Info(string, ...any)                       {}
func (m *mockLogger) Warn(string, ...any)                       {}
func (m *mockLogger) Error(string, ...any)                      {}
func (m *mockLogger) With(...any) logger.Logger                 { return m }
func (m *mockLogger) WithContext(context.Context) logger.Logger { return m }

func TestNewMongoDBAdapter_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "empty", cfg: Config{}},
		{name: "no database", cfg: Config{URL: "mongodb://localhost:27017", Collection: "entries"}},
		{name: "no collection", cfg: Config{URL: "mongodb://localhost:27017", Database: "stache"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewMongoDBAdapter(tt.cfg, &mockLogger{}); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

// newMockAdapter builds an adapter over the mtest mock deployment. The index creation
// consumes the first queued response.
func newMockAdapter(mt *mtest.T, prefix string) *MongoDBAdapter {
	mt.AddMockResponses(mtest.CreateSuccessResponse())
	a, err := newAdapter(context.Background(), mt.Client, Config{
		Database:   mt.DB.Name(),
		Collection: mt.Coll.Name(),
		Prefix:     prefix,
	}, &mockLogger{})
	if err != nil {
		mt.Fatalf("newAdapter: %v", err)
	}
	mt.ClearEvents()
	return a
}

func TestMongoDBAdapter_Operations(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	ns := "stache.entries"

	mt.Run("get found", func(mt *mtest.T) {
		a := newMockAdapter(mt, "local")
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, bson.D{
			{Key: "_id", Value: bson.D{{Key: "ns", Value: "local"}, {Key: "k", Value: "theme"}}},
			{Key: "v", Value: "dark"},
		}))

		got, ok, err := a.Get(context.Background(), "theme")
		if err != nil || !ok || got != "dark" {
			mt.Fatalf("Get() = %q, %v, %v", got, ok, err)
		}
	})

	mt.Run("get absent", func(mt *mtest.T) {
		a := newMockAdapter(mt, "local")
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch))

		_, ok, err := a.Get(context.Background(), "missing")
		if err != nil || ok {
			mt.Fatalf("Get() = %v, %v; want absent", ok, err)
		}
	})

	mt.Run("set upserts", func(mt *mtest.T) {
		a := newMockAdapter(mt, "local")
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}, bson.E{Key: "nModified", Value: 0}))

		if err := a.Set(context.Background(), "theme", "dark"); err != nil {
			mt.Fatalf("Set: %v", err)
		}
		started := mt.GetStartedEvent()
		if started == nil || started.CommandName != "update" {
			mt.Fatalf("expected update command, got %+v", started)
		}
	})

	mt.Run("set error", func(mt *mtest.T) {
		a := newMockAdapter(mt, "local")
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{
			Code:    13,
			Name:    "Unauthorized",
			Message: "not authorized",
		}))

		if err := a.Set(context.Background(), "theme", "dark"); err == nil {
			mt.Fatal("expected error")
		}
	})

	mt.Run("keys", func(mt *mtest.T) {
		a := newMockAdapter(mt, "session")
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch,
			bson.D{{Key: "_id", Value: bson.D{{Key: "ns", Value: "session"}, {Key: "k", Value: "a"}}}},
			bson.D{{Key: "_id", Value: bson.D{{Key: "ns", Value: "session"}, {Key: "k", Value: "b"}}}},
		))

		keys, err := a.Keys(context.Background())
		if err != nil {
			mt.Fatalf("Keys: %v", err)
		}
		if !reflect.DeepEqual(keys, []string{"a", "b"}) {
			mt.Fatalf("Keys() = %v", keys)
		}
	})

	mt.Run("store clear uses delete many", func(mt *mtest.T) {
		a := newMockAdapter(mt, "session")
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 2}))

		if err := stache.New(a).Clear(context.Background()); err != nil {
			mt.Fatalf("Clear: %v", err)
		}
		started := mt.GetStartedEvent()
		if started == nil || started.CommandName != "delete" {
			mt.Fatalf("expected delete command, got %+v", started)
		}
	})
}

func TestMongoDBAdapter_ClosedOperationsFail(t *testing.T) {
	a := &MongoDBAdapter{closed: true, logger: &mockLogger{}}
	ctx := context.Background()

	if err := a.Ping(ctx); err == nil {
		t.Fatal("expected error when adapter is closed")
	}
	if _, _, err := a.Get(ctx, "k"); err == nil {
		t.Fatal("expected Get error when adapter is closed")
	}
	if err := a.Clear(ctx); err == nil {
		t.Fatal("expected Clear error when adapter is closed")
	}
	if err := a.Close(); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestWithOperationTimeout_UsesAdapterTimeoutWhenNoDeadline(t *testing.T) {
	a := &MongoDBAdapter{timeout: 2 * time.Second}

	ctx, cancel := a.withOperationTimeout(context.Background())
	defer cancel()

	deadline, ok := ctx.Deadline()
	if !ok {
		t.Fatal("expected deadline from operation timeout")
	}
	if remaining := time.Until(deadline); remaining <= 0 || remaining > 2*time.Second {
		t.Fatalf("unexpected remaining timeout: %v", remaining)
	}
}

func TestWithOperationTimeout_PreservesCallerDeadline(t *testing.T) {
	a := &MongoDBAdapter{timeout: 2 * time.Second}
	parentCtx, parentCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer parentCancel()

	ctx, cancel := a.withOperationTimeout(parentCtx)
	defer cancel()

	parentDeadline, _ := parentCtx.Deadline()
	gotDeadline, _ := ctx.Deadline()
	if !gotDeadline.Equal(parentDeadline) {
		t.Fatalf("expected caller deadline to be preserved, got %v want %v", gotDeadline, parentDeadline)
	}
}
