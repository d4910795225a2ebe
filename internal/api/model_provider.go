package api

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/samcharles93/satgen/internal/refine"
	"github.com/samcharles93/satgen/internal/transformer"
)

// ModelProvider hands out loaded models. fn runs while no other fill holds
// the same model.
type ModelProvider interface {
	WithModel(ctx context.Context, modelID string, fn func(m refine.Model) error) error
	ListModels() ([]string, error)
}

// LoaderFunc loads the checkpoint at path.
type LoaderFunc func(path string) (refine.Model, error)

type ModelProviderConfig struct {
	DefaultModelPath string
	ModelsPath       string
	// Heads is the attention head count used when a checkpoint does not
	// record one.
	Heads  int
	Loader LoaderFunc
}

type CachedModelProvider struct {
	cfg   ModelProviderConfig
	mu    sync.Mutex
	cache map[string]*modelEntry
}

type modelEntry struct {
	model refine.Model
	mu    sync.Mutex
}

const (
	envSatgenModelsDir = "SATGEN_MODELS_DIR"
	checkpointExt      = ".safetensors"
)

func NewCachedModelProvider(cfg ModelProviderConfig) *CachedModelProvider {
	if cfg.Loader == nil {
		heads := cfg.Heads
		cfg.Loader = func(path string) (refine.Model, error) {
			return transformer.LoadSafetensors(path, heads)
		}
	}
	return &CachedModelProvider{
		cfg:   cfg,
		cache: make(map[string]*modelEntry),
	}
}

func (p *CachedModelProvider) WithModel(ctx context.Context, modelID string, fn func(m refine.Model) error) error {
	path, err := p.resolveModelPath(modelID)
	if err != nil {
		return err
	}
	entry, err := p.getOrLoad(path)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(entry.model)
}

// ListModels returns the model ids that WithModel can resolve.
func (p *CachedModelProvider) ListModels() ([]string, error) {
	seen := make(map[string]bool)
	var ids []string
	add := func(path string) {
		id := strings.TrimSuffix(filepath.Base(path), checkpointExt)
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if p.cfg.DefaultModelPath != "" {
		add(p.cfg.DefaultModelPath)
	}
	if dir := p.modelsDir(); dir != "" {
		models, err := discoverModels(dir)
		if err != nil {
			return nil, err
		}
		for _, m := range models {
			add(m)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (p *CachedModelProvider) getOrLoad(path string) (*modelEntry, error) {
	p.mu.Lock()
	entry, ok := p.cache[path]
	p.mu.Unlock()
	if ok {
		return entry, nil
	}

	m, err := p.cfg.Loader(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	newEntry := &modelEntry{model: m}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.cache[path]; ok {
		return existing, nil
	}
	p.cache[path] = newEntry
	return newEntry, nil
}

func (p *CachedModelProvider) resolveModelPath(modelID string) (string, error) {
	modelID = strings.TrimSpace(modelID)
	if modelID != "" {
		if looksLikePath(modelID) {
			return filepath.Clean(modelID), nil
		}
		if p.cfg.DefaultModelPath != "" && strings.TrimSuffix(filepath.Base(p.cfg.DefaultModelPath), checkpointExt) == modelID {
			return filepath.Clean(p.cfg.DefaultModelPath), nil
		}
		modelsDir := p.modelsDir()
		if modelsDir == "" {
			return "", newInvalidRequest(fmt.Sprintf("models-path is required to resolve model %q", modelID))
		}
		if resolved := resolveInDir(modelsDir, modelID); resolved != "" {
			return resolved, nil
		}
		return "", newInvalidRequest(fmt.Sprintf("model %q not found in %s", modelID, modelsDir))
	}

	if p.cfg.DefaultModelPath != "" {
		return filepath.Clean(p.cfg.DefaultModelPath), nil
	}
	modelsDir := p.modelsDir()
	if modelsDir == "" {
		return "", newInvalidRequest("model is required")
	}
	models, err := discoverModels(modelsDir)
	if err != nil {
		return "", err
	}
	switch len(models) {
	case 1:
		return models[0], nil
	case 0:
		return "", newInvalidRequest(fmt.Sprintf("no %s models found in %s", checkpointExt, modelsDir))
	default:
		return "", newInvalidRequest(fmt.Sprintf("multiple models found in %s; specify model", modelsDir))
	}
}

func (p *CachedModelProvider) modelsDir() string {
	if strings.TrimSpace(p.cfg.ModelsPath) != "" {
		return strings.TrimSpace(p.cfg.ModelsPath)
	}
	return strings.TrimSpace(os.Getenv(envSatgenModelsDir))
}

func looksLikePath(v string) bool {
	if strings.Contains(v, string(filepath.Separator)) {
		return true
	}
	return strings.HasSuffix(strings.ToLower(v), checkpointExt)
}

func resolveInDir(dir, name string) string {
	cand := filepath.Join(dir, name)
	if fileExists(cand) {
		return cand
	}
	if !strings.HasSuffix(strings.ToLower(name), checkpointExt) {
		cand = filepath.Join(dir, name+checkpointExt)
		if fileExists(cand) {
			return cand
		}
	}
	return ""
}

func discoverModels(dir string) ([]string, error) {
	st, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("models path is not a directory: %s", dir)
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	models := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), checkpointExt) {
			continue
		}
		models = append(models, filepath.Join(dir, e.Name()))
	}
	sort.Strings(models)
	return models, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
