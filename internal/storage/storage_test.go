package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/blufio/blufio/pkg/models"
)

// newTestStores returns every Store implementation under test so shared
// behavior assertions run against both the in-memory double and the real
// SQLite engine.
func newTestStores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := Open(context.Background(), ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Store{
		"memory": NewMemStore(),
		"sqlite": sqlite,
	}
}

func TestSessionUpsertAndLookup(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sess := &models.Session{
				ID:       uuid.NewString(),
				Channel:  "telegram",
				SenderID: "user-1",
				State:    models.SessionActive,
			}
			require.NoError(t, store.UpsertSession(ctx, sess))

			got, err := store.GetSession(ctx, "telegram", "user-1")
			require.NoError(t, err)
			require.Equal(t, sess.ID, got.ID)
			require.Equal(t, models.SessionActive, got.State)

			sess.State = models.SessionStale
			require.NoError(t, store.UpsertSession(ctx, sess))
			got, err = store.GetSession(ctx, "telegram", "user-1")
			require.NoError(t, err)
			require.Equal(t, models.SessionStale, got.State)
		})
	}
}

func TestGetSessionNotFound(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.GetSession(context.Background(), "telegram", "nobody")
			require.Error(t, err)
		})
	}
}

func TestMarkStaleSessions(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.UpsertSession(ctx, &models.Session{
				ID: uuid.NewString(), Channel: "telegram", SenderID: "a", State: models.SessionActive,
			}))
			require.NoError(t, store.UpsertSession(ctx, &models.Session{
				ID: uuid.NewString(), Channel: "telegram", SenderID: "b", State: models.SessionClosed,
			}))

			n, err := store.MarkStaleSessions(ctx)
			require.NoError(t, err)
			require.Equal(t, 1, n)

			a, err := store.GetSession(ctx, "telegram", "a")
			require.NoError(t, err)
			require.Equal(t, models.SessionStale, a.State)

			b, err := store.GetSession(ctx, "telegram", "b")
			require.NoError(t, err)
			require.Equal(t, models.SessionClosed, b.State)
		})
	}
}

func TestMessagesOrdering(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sessionID := uuid.NewString()
			base := time.Now()
			for i, text := range []string{"first", "second", "third"} {
				require.NoError(t, store.InsertMessage(ctx, &models.Message{
					ID:        uuid.NewString(),
					SessionID: sessionID,
					Role:      models.RoleUser,
					Content:   []models.ContentBlock{models.NewTextBlock(text)},
					CreatedAt: base.Add(time.Duration(i) * time.Second),
				}))
			}

			oldest, err := store.ListMessages(ctx, sessionID, 0, OldestFirst)
			require.NoError(t, err)
			require.Len(t, oldest, 3)
			require.Equal(t, "first", oldest[0].Text())
			require.Equal(t, "third", oldest[2].Text())

			newest, err := store.ListMessages(ctx, sessionID, 2, NewestFirst)
			require.NoError(t, err)
			require.Len(t, newest, 2)
			require.Equal(t, "third", newest[0].Text())
		})
	}
}

func TestQueueClaimAckFailLifecycle(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id := uuid.NewString()
			require.NoError(t, store.Enqueue(ctx, &models.QueueEntry{
				ID: id, Queue: "inbound", Payload: []byte(`{"x":1}`), MaxAttempts: 2,
			}))

			claimed, err := store.Claim(ctx, "inbound", 10, time.Minute)
			require.NoError(t, err)
			require.Len(t, claimed, 1)
			require.Equal(t, models.QueueProcessing, claimed[0].Status)

			// A second claim should see nothing pending.
			claimed2, err := store.Claim(ctx, "inbound", 10, time.Minute)
			require.NoError(t, err)
			require.Empty(t, claimed2)

			require.NoError(t, store.Fail(ctx, id, "boom"))
			claimed3, err := store.Claim(ctx, "inbound", 10, time.Minute)
			require.NoError(t, err)
			require.Len(t, claimed3, 1, "one retry remaining after first failure")

			require.NoError(t, store.Fail(ctx, id, "boom again"))
			claimed4, err := store.Claim(ctx, "inbound", 10, time.Minute)
			require.NoError(t, err)
			require.Empty(t, claimed4, "entry should be Failed after exhausting max_attempts")
		})
	}
}

func TestReleaseExpiredLocks(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id := uuid.NewString()
			require.NoError(t, store.Enqueue(ctx, &models.QueueEntry{ID: id, Queue: "inbound", Payload: []byte("x")}))
			_, err := store.Claim(ctx, "inbound", 1, -time.Minute) // already-expired lock
			require.NoError(t, err)

			n, err := store.ReleaseExpiredLocks(ctx)
			require.NoError(t, err)
			require.Equal(t, 1, n)

			claimed, err := store.Claim(ctx, "inbound", 1, time.Minute)
			require.NoError(t, err)
			require.Len(t, claimed, 1)
		})
	}
}

func TestMemorySearchVectorRanksBySimilarity(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.InsertMemory(ctx, &models.Memory{
				ID: uuid.NewString(), Content: "likes espresso", Embedding: []float32{1, 0, 0},
				Source: models.MemorySourceExplicit, Confidence: 1.0,
			}))
			require.NoError(t, store.InsertMemory(ctx, &models.Memory{
				ID: uuid.NewString(), Content: "lives in Lisbon", Embedding: []float32{0, 1, 0},
				Source: models.MemorySourceExplicit, Confidence: 1.0,
			}))

			results, err := store.SearchVector(ctx, []float32{1, 0, 0}, 5)
			require.NoError(t, err)
			require.NotEmpty(t, results)
			require.Equal(t, "likes espresso", results[0].Memory.Content)
		})
	}
}

func TestMemorySoftDeleteExcludesFromSearch(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id := uuid.NewString()
			require.NoError(t, store.InsertMemory(ctx, &models.Memory{
				ID: id, Content: "favorite color is blue", Embedding: []float32{1, 0},
				Source: models.MemorySourceExplicit, Confidence: 1.0,
			}))
			require.NoError(t, store.SoftDeleteMemory(ctx, id))

			results, err := store.SearchVector(ctx, []float32{1, 0}, 5)
			require.NoError(t, err)
			require.Empty(t, results)

			mem, err := store.GetMemory(ctx, id)
			require.NoError(t, err)
			require.Equal(t, models.MemoryForgotten, mem.Status)
		})
	}
}

func TestMemorySupersede(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			oldID, newID := uuid.NewString(), uuid.NewString()
			require.NoError(t, store.InsertMemory(ctx, &models.Memory{
				ID: oldID, Content: "works at Acme", Source: models.MemorySourceExtracted, Confidence: 0.6,
			}))
			require.NoError(t, store.InsertMemory(ctx, &models.Memory{
				ID: newID, Content: "works at Globex", Source: models.MemorySourceExtracted, Confidence: 0.7,
			}))
			require.NoError(t, store.SupersedeMemory(ctx, oldID, newID))

			old, err := store.GetMemory(ctx, oldID)
			require.NoError(t, err)
			require.Equal(t, models.MemorySuperseded, old.Status)
			require.Equal(t, newID, old.SupersededByID)
		})
	}
}

func TestCostLedgerAggregation(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sessionID := uuid.NewString()
			now := time.Now()
			require.NoError(t, store.InsertCostRecord(ctx, &models.CostRecord{
				ID: uuid.NewString(), SessionID: sessionID, Model: "claude-haiku",
				FeatureType: models.FeatureUserMessage, CostUSD: 0.01, CreatedAt: now,
			}))
			require.NoError(t, store.InsertCostRecord(ctx, &models.CostRecord{
				ID: uuid.NewString(), SessionID: sessionID, Model: "claude-sonnet",
				FeatureType: models.FeatureHeartbeat, CostUSD: 0.05, CreatedAt: now,
			}))

			total, err := store.SumBySession(ctx, sessionID)
			require.NoError(t, err)
			require.InDelta(t, 0.06, total, 1e-9)

			byFeature, err := store.SumByFeature(ctx, models.FeatureHeartbeat, TimeWindow{
				From: now.Add(-time.Hour), To: now.Add(time.Hour),
			})
			require.NoError(t, err)
			require.InDelta(t, 0.05, byFeature, 1e-9)
		})
	}
}

func TestSkillInstallRemove(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			manifest := &models.SkillManifest{
				Name: "weather", Version: "1.0.0", EntryPath: "weather.wasm",
				Resources: models.DefaultResourceLimits(),
			}
			require.NoError(t, store.InstallSkill(ctx, manifest))

			got, err := store.GetSkill(ctx, "weather")
			require.NoError(t, err)
			require.Equal(t, "1.0.0", got.Version)

			all, err := store.ListSkills(ctx)
			require.NoError(t, err)
			require.Len(t, all, 1)

			require.NoError(t, store.RemoveSkill(ctx, "weather"))
			_, err = store.GetSkill(ctx, "weather")
			require.Error(t, err)
		})
	}
}

func TestVaultRoundTrip(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.PutVaultEntry(ctx, &models.VaultEntry{
				Name: "anthropic_api_key", Ciphertext: []byte{1, 2, 3}, Nonce: []byte{4, 5, 6},
			}))
			got, err := store.GetVaultEntry(ctx, "anthropic_api_key")
			require.NoError(t, err)
			require.Equal(t, []byte{1, 2, 3}, got.Ciphertext)
		})
	}
}
