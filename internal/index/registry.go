package index

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"asterengine/internal/analysis"
	"asterengine/internal/apperr"
	"asterengine/internal/mapping"
)

// Settings are the static settings of an index.
type Settings struct {
	Analysis       analysis.Settings `json:"analysis,omitempty"`
	Similarity     *Similarity       `json:"similarity,omitempty"`
	MergeThreshold int               `json:"merge_threshold,omitempty"`
}

// UnmarshalJSON accepts settings either flat or wrapped in an "index" object.
func (s *Settings) UnmarshalJSON(data []byte) error {
	type plain Settings
	var wrapped struct {
		Index *plain `json:"index"`
		plain
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return err
	}
	out := wrapped.plain
	if idx := wrapped.Index; idx != nil {
		if len(idx.Analysis.Analyzer)+len(idx.Analysis.Tokenizer)+len(idx.Analysis.Filter)+len(idx.Analysis.CharFilter) > 0 {
			out.Analysis = idx.Analysis
		}
		if idx.Similarity != nil {
			out.Similarity = idx.Similarity
		}
		if idx.MergeThreshold != 0 {
			out.MergeThreshold = idx.MergeThreshold
		}
	}
	*s = Settings(out)
	return nil
}

// Definition represents a fully resolved index definition.
type Definition struct {
	Name      string          `json:"name"`
	UUID      string          `json:"uuid"`
	Settings  Settings        `json:"settings"`
	Mappings  mapping.Mapping `json:"mappings"`
	CreatedAt time.Time       `json:"createdAt"`
}

// SimilarityOrDefault returns the configured BM25 parameters.
func (d Definition) SimilarityOrDefault() Similarity {
	if d.Settings.Similarity == nil {
		return DefaultSimilarity
	}
	return *d.Settings.Similarity
}

// CreateRequest captures the payload for creating an index.
type CreateRequest struct {
	Name     string          `json:"-"`
	Settings Settings        `json:"settings"`
	Mappings mapping.Mapping `json:"mappings"`
}

// Registry persists index definitions on disk and serves them at runtime. An empty base
// path keeps definitions in memory only.
type Registry struct {
	basePath string
	indexes  map[string]Definition
	mu       sync.RWMutex
}

const maxNameLength = 255

// NewRegistry loads existing index definitions from disk, ensuring the storage path exists.
func NewRegistry(basePath string) (*Registry, error) {
	r := &Registry{
		basePath: basePath,
		indexes:  make(map[string]Definition),
	}
	if basePath == "" {
		return r, nil
	}

	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create index directory: %w", err)
	}
	if err := r.loadFromDisk(); err != nil {
		return nil, err
	}
	return r, nil
}

// Create registers and persists a new index definition.
func (r *Registry) Create(req CreateRequest) (Definition, error) {
	if err := req.validate(); err != nil {
		return Definition{}, err
	}

	def := Definition{
		Name:      req.Name,
		UUID:      uuid.NewString(),
		Settings:  req.Settings,
		Mappings:  req.Mappings,
		CreatedAt: time.Now().UTC(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.indexes[def.Name]; exists {
		return Definition{}, apperr.Newf(apperr.ErrAlreadyExists, "index [%s] already exists", def.Name)
	}

	if err := r.persist(def); err != nil {
		return Definition{}, err
	}

	r.indexes[def.Name] = def
	return def, nil
}

// List returns all known index definitions ordered by name.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	definitions := make([]Definition, 0, len(r.indexes))
	for _, def := range r.indexes {
		definitions = append(definitions, def)
	}
	sort.Slice(definitions, func(i, j int) bool { return definitions[i].Name < definitions[j].Name })
	return definitions
}

// Get retrieves an index definition by name.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.indexes[name]
	return def, ok
}

// UpdateDefinition persists changes to an existing definition, such as a widened mapping.
func (r *Registry) UpdateDefinition(def Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.indexes[def.Name]; !ok {
		return apperr.NotFoundf("no such index [%s]", def.Name)
	}

	if err := r.persist(def); err != nil {
		return err
	}

	r.indexes[def.Name] = def
	return nil
}

// Delete forgets a definition and removes its file.
func (r *Registry) Delete(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.indexes[name]; !ok {
		return apperr.NotFoundf("no such index [%s]", name)
	}
	if r.basePath != "" {
		if err := os.Remove(r.path(name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove definition: %w", err)
		}
	}
	delete(r.indexes, name)
	return nil
}

func (r *Registry) path(name string) string {
	return filepath.Join(r.basePath, fmt.Sprintf("%s.json", name))
}

func (r *Registry) persist(def Definition) error {
	if r.basePath == "" {
		return nil
	}
	content, err := json.MarshalIndent(def, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize definition: %w", err)
	}

	path := r.path(def.Name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return fmt.Errorf("write definition: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("install definition: %w", err)
	}
	return nil
}

func (r *Registry) loadFromDisk() error {
	entries, err := os.ReadDir(r.basePath)
	if err != nil {
		return fmt.Errorf("read index directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		content, err := os.ReadFile(filepath.Join(r.basePath, entry.Name()))
		if err != nil {
			return fmt.Errorf("read definition %s: %w", entry.Name(), err)
		}

		var def Definition
		if err := json.Unmarshal(content, &def); err != nil {
			return fmt.Errorf("decode definition %s: %w", entry.Name(), err)
		}

		if def.Name == "" {
			return fmt.Errorf("definition file %s missing name", entry.Name())
		}

		if def.Settings.Similarity != nil {
			if err := validateSimilarity(*def.Settings.Similarity); err != nil {
				return fmt.Errorf("definition %s invalid similarity: %w", def.Name, err)
			}
		}

		r.indexes[def.Name] = def
	}

	return nil
}

// ValidateName applies the index naming rules.
func ValidateName(name string) error {
	switch {
	case name == "":
		return apperr.Validationf("index name is required")
	case len(name) > maxNameLength:
		return apperr.Validationf("index name [%s] must be <= %d characters", name, maxNameLength)
	case name == "." || name == "..":
		return apperr.Validationf("index name [%s] must not be '.' or '..'", name)
	case strings.ContainsAny(name[:1], "_-+"):
		return apperr.Validationf("index name [%s] must not start with '_', '-', or '+'", name)
	case strings.ToLower(name) != name:
		return apperr.Validationf("index name [%s] must be lowercase", name)
	case strings.ContainsAny(name, `\/*?"<>| ,#:`):
		return apperr.Validationf("index name [%s] must not contain the following characters [\\, /, *, ?, \", <, >, |, ' ', ',', #, :]", name)
	}
	return nil
}

func (req CreateRequest) validate() error {
	if err := ValidateName(req.Name); err != nil {
		return err
	}
	if req.Settings.Similarity != nil {
		if err := validateSimilarity(*req.Settings.Similarity); err != nil {
			return err
		}
	}
	if req.Settings.MergeThreshold < 0 {
		return apperr.Configurationf("merge_threshold must be >= 0")
	}
	return nil
}

func validateSimilarity(sim Similarity) error {
	if sim.K1 < 0 {
		return apperr.Configurationf("similarity k1 must be >= 0")
	}
	if sim.B < 0 || sim.B > 1 {
		return apperr.Configurationf("similarity b must be between 0 and 1")
	}
	return nil
}
