package storage

import (
	"bytes"
	"context"
	"io"
	"testing"
)

// BenchmarkSet_10KB benchmarks writing a 10KB value
func BenchmarkSet_10KB(b *testing.B) {
	benchmarkSet(b, 10*1024)
}

// BenchmarkSet_1MB benchmarks writing a 1MB value
func BenchmarkSet_1MB(b *testing.B) {
	benchmarkSet(b, 1024*1024)
}

func benchmarkSet(b *testing.B, size int) {
	backend := setupBenchBackend(b)
	data := bytes.Repeat([]byte("a"), size)
	ctx := context.Background()

	b.SetBytes(int64(len(data)))
	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if err := backend.Set(ctx, "bench", Value{Data: bytes.NewReader(data)}, 0); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkGet_10KB benchmarks reading a 10KB value
func BenchmarkGet_10KB(b *testing.B) {
	backend := setupBenchBackend(b)
	data := bytes.Repeat([]byte("a"), 10*1024)
	ctx := context.Background()
	if err := backend.Set(ctx, "bench", Value{Data: bytes.NewReader(data)}, 0); err != nil {
		b.Fatal(err)
	}

	b.SetBytes(int64(len(data)))
	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		rc, _, err := backend.Get(ctx, "bench")
		if err != nil {
			b.Fatal(err)
		}
		io.Copy(io.Discard, rc)
		rc.Close()
	}
}

// BenchmarkTransfer_1MB benchmarks chunked copying with progress events
func BenchmarkTransfer_1MB(b *testing.B) {
	data := bytes.Repeat([]byte("a"), 1024*1024)

	b.SetBytes(int64(len(data)))
	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if _, err := Transfer(io.Discard, bytes.NewReader(data), TransferOptions{Key: "bench", BufferSize: 64 * 1024}); err != nil {
			b.Fatal(err)
		}
	}
}

// setupBenchBackend creates a connected filesystem backend in a temp dir
func setupBenchBackend(b *testing.B) *FilesystemBackend {
	backend, err := NewFilesystemBackend(FilesystemOptions{Root: b.TempDir(), Logger: quietLogger()})
	if err != nil {
		b.Fatal(err)
	}
	if err := backend.Connect(context.Background(), nil); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { backend.Disconnect(context.Background()) })
	return backend
}
