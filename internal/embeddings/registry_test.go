package embeddings

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/parleyhq/parley/pkg/models"
)

func TestRegistryDedup(t *testing.T) {
	r := NewRegistry()

	spec := models.EmbeddingSpec{Provider: "ollama", Model: "nomic-embed-text"}
	a, err := r.GetOrCreate(spec)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	b, err := r.GetOrCreate(spec)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if a != b {
		t.Error("equal specs should return the same handle")
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestRegistryKeyIncludesEndpoint(t *testing.T) {
	r := NewRegistry()

	a, err := r.GetOrCreate(models.EmbeddingSpec{Provider: "ollama", Model: "nomic-embed-text"})
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	b, err := r.GetOrCreate(models.EmbeddingSpec{Provider: "ollama", Model: "nomic-embed-text", Endpoint: "http://other:11434"})
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if a == b {
		t.Error("different endpoints should yield distinct handles")
	}
	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2", r.Len())
	}
}

func TestRegistryOpenAIRequiresKey(t *testing.T) {
	r := NewRegistry()
	_, err := r.GetOrCreate(models.EmbeddingSpec{Provider: "openai", Model: "text-embedding-3-small"})
	if !errors.Is(err, ErrBadConfig) {
		t.Errorf("err = %v, want ErrBadConfig", err)
	}
}

func TestRegistryUnknownProvider(t *testing.T) {
	r := NewRegistry()
	_, err := r.GetOrCreate(models.EmbeddingSpec{Provider: "mystery", Model: "m"})
	if !errors.Is(err, ErrBadConfig) {
		t.Errorf("err = %v, want ErrBadConfig", err)
	}
}

func TestRegistryLocalMissingPath(t *testing.T) {
	r := NewRegistry()
	_, err := r.GetOrCreate(models.EmbeddingSpec{Provider: "local", Model: "/does/not/exist.gguf"})
	if !errors.Is(err, ErrModelNotFound) {
		t.Errorf("err = %v, want ErrModelNotFound", err)
	}
}

func TestRegistryLocalDedupByAbsPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.gguf")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := NewRegistry()
	a, err := r.GetOrCreate(models.EmbeddingSpec{Provider: "local", Model: path})
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	b, err := r.GetOrCreate(models.EmbeddingSpec{Provider: "local", Model: path})
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if a != b {
		t.Error("same model path should share one handle")
	}
}

func TestRegistryClear(t *testing.T) {
	r := NewRegistry()
	if _, err := r.GetOrCreate(models.EmbeddingSpec{Provider: "ollama", Model: "m"}); err != nil {
		t.Fatal(err)
	}
	r.Clear()
	if r.Len() != 0 {
		t.Errorf("Len after Clear = %d, want 0", r.Len())
	}
}
