package source

import (
	"context"
	"strconv"
	"testing"
)

func BenchmarkSourceSQS_Acknowledge(b *testing.B) {
	for _, n := range []int{10, 100, 1000} {
		b.Run(strconv.Itoa(n), func(b *testing.B) {
			f := &fakeSQSAPI{}
			src, err := New(f, "q")
			if err != nil {
				b.Fatalf("New: %v", err)
			}

			metas := metasN(n)
			ctx := context.Background()

			b.ReportAllocs()
			b.ResetTimer()

			for i := 0; i < b.N; i++ {
				if _, err := src.Acknowledge(ctx, metas); err != nil {
					b.Fatalf("Acknowledge err: %v", err)
				}
			}
		})
	}
}
