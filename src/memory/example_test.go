package memory

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

func ExampleOpen() {
	cfg, err := ConfigFromMap(map[string]string{
		"VECTOR_STORE_PROVIDER":  "memory",
		"EMBEDDING_MODEL_CHOICE": "all-minilm",
	})
	if err != nil {
		panic(err)
	}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	ctx := context.Background()
	store, res, err := Open(ctx, cfg, log)
	if err != nil {
		panic(err)
	}
	defer store.Close()

	vec := make([]float32, res.Dimensions)
	vec[0] = 1
	id, _ := store.Upsert(ctx, MemoryRecord{ID: "m1", Content: "Track onboarding progress", Embedding: vec})
	hits, _ := store.Query(ctx, vec, 1, nil)
	fmt.Println(res.Dimensions, id, len(hits), store.State())
	// Output: 384 m1 1 ready
}
