package service

// ModelSpec describes one evaluable model: its internal id, display name,
// and the identifier the inference endpoint knows it by.
type ModelSpec struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	EndpointID string `json:"endpoint_id"`
	Enabled    bool   `json:"enabled"`
}

// ModelRegistry is the static catalogue of evaluable models.
type ModelRegistry struct {
	models []ModelSpec
}

// NewModelRegistry creates a registry over the given specs; nil falls back
// to the default catalogue.
func NewModelRegistry(models []ModelSpec) *ModelRegistry {
	if models == nil {
		models = defaultModels()
	}
	return &ModelRegistry{models: models}
}

func defaultModels() []ModelSpec {
	return []ModelSpec{
		{ID: "gpt-4o-mini", Name: "GPT-4o mini", EndpointID: "gpt-4o-mini", Enabled: true},
		{ID: "gpt-4o", Name: "GPT-4o", EndpointID: "gpt-4o", Enabled: true},
		{ID: "qwen2-vl-7b", Name: "Qwen2-VL 7B Instruct", EndpointID: "qwen2-vl-7b-instruct", Enabled: true},
		{ID: "llama-3.2-11b-vision", Name: "Llama 3.2 11B Vision", EndpointID: "llama-3.2-11b-vision-instruct", Enabled: true},
		{ID: "pixtral-12b", Name: "Pixtral 12B", EndpointID: "pixtral-12b-2409", Enabled: false},
	}
}

// Resolve returns the enabled models to evaluate. An empty selection means
// all enabled models; an explicit selection is intersected with the enabled
// set. Unknown or disabled ids are silently dropped, matching the
// duplicate-run guard's "skip, don't fail" posture.
func (r *ModelRegistry) Resolve(modelIDs []string) []ModelSpec {
	var enabled []ModelSpec
	for _, m := range r.models {
		if m.Enabled {
			enabled = append(enabled, m)
		}
	}
	if len(modelIDs) == 0 {
		return enabled
	}

	wanted := make(map[string]bool, len(modelIDs))
	for _, id := range modelIDs {
		wanted[id] = true
	}

	var out []ModelSpec
	for _, m := range enabled {
		if wanted[m.ID] {
			out = append(out, m)
		}
	}
	return out
}

// Get returns the spec for a model id, enabled or not.
func (r *ModelRegistry) Get(modelID string) (ModelSpec, bool) {
	for _, m := range r.models {
		if m.ID == modelID {
			return m, true
		}
	}
	return ModelSpec{}, false
}
