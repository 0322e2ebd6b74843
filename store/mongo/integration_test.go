//go:build integration

package mongo_test

import (
	"context"
	"testing"

	"github.com/testcontainers/testcontainers-go/modules/mongodb"

	"github.com/xraph/durable/store"
	"github.com/xraph/durable/store/storetest"
)

// startMongo creates a MongoDB container and returns its connection URI.
func startMongo(t *testing.T) string {
	t.Helper()

	ctx := context.Background()

	container, err := mongodb.Run(ctx, "mongo:7")
	if err != nil {
		t.Fatalf("start mongo container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	uri, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}
	return uri
}

func TestConformance_Container(t *testing.T) {
	uri := startMongo(t)
	storetest.Run(t, func(t *testing.T) store.Store {
		return openStore(t, uri)
	})
}
