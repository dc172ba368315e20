package embedder

import (
	"context"
	"fmt"
	"testing"
)

func BenchmarkCache(b *testing.B) {
	cache := NewCache(10000)
	vec := make([]float32, 1024)

	b.Run("set", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			cache.Set("m", fmt.Sprintf("hash-%d", i%1000), vec)
		}
	})

	for i := 0; i < 1000; i++ {
		cache.Set("m", fmt.Sprintf("hash-%d", i), vec)
	}

	b.Run("get-hit", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_, _ = cache.Get("m", fmt.Sprintf("hash-%d", i%1000))
		}
	})
}

func BenchmarkLocalProvider(b *testing.B) {
	provider := NewLocalProvider(0)
	ctx := context.Background()

	for _, size := range []int{1, 10, 50} {
		texts := make([]string, size)
		for i := range texts {
			texts[i] = fmt.Sprintf("func Chunk%d() error { return nil }", i)
		}
		req := BatchEmbeddingRequest{Texts: texts}

		b.Run(fmt.Sprintf("batch-%d", size), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				if _, err := provider.GenerateBatch(ctx, req); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkEmbedBatch(b *testing.B) {
	texts := make([]string, 200)
	for i := range texts {
		texts[i] = fmt.Sprintf("chunk body %d", i)
	}
	in := items(texts...)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c := NewClient(NewLocalProvider(0), nil, ClientOptions{BatchSize: 50, MaxConcurrent: 4})
		if _, err := c.EmbedBatch(context.Background(), "bench", in); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkNormalizeVector(b *testing.B) {
	for _, size := range []int{384, 768, 1536} {
		b.Run(fmt.Sprintf("dim=%d", size), func(b *testing.B) {
			vec := make([]float32, size)
			for i := range vec {
				vec[i] = float32(i) / float32(size)
			}
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_ = NormalizeVector(vec)
			}
		})
	}
}
