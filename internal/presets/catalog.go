// Package presets ships the built-in rule template catalog. The catalog is
// embedded, schema-validated at load, and handed out as copies only: live
// graph data must never alias catalog params.
package presets

import (
	_ "embed"
	"encoding/json"

	"github.com/rendis/autoflow/internal/validation"
	"github.com/rendis/autoflow/pkg/schema"
)

//go:embed presets.json
var catalogJSON []byte

// Catalog is the loaded template catalog.
type Catalog struct {
	presets []schema.Preset
	byID    map[string]int
}

// Load validates and decodes the embedded catalog.
func Load(wire *validation.WireValidator) (*Catalog, error) {
	if err := wire.ValidatePresetCatalog(catalogJSON); err != nil {
		return nil, err
	}
	var presets []schema.Preset
	if err := json.Unmarshal(catalogJSON, &presets); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode preset catalog").WithCause(err)
	}
	c := &Catalog{presets: presets, byID: make(map[string]int, len(presets))}
	for i := range presets {
		c.byID[presets[i].ID] = i
	}
	return c, nil
}

// List returns a copy of every preset.
func (c *Catalog) List() []schema.Preset {
	out := make([]schema.Preset, len(c.presets))
	for i := range c.presets {
		out[i] = copyPreset(&c.presets[i])
	}
	return out
}

// Get returns a copy of one preset.
func (c *Catalog) Get(id string) (*schema.Preset, error) {
	i, ok := c.byID[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "preset %q not found", id)
	}
	p := copyPreset(&c.presets[i])
	return &p, nil
}

func copyPreset(p *schema.Preset) schema.Preset {
	out := *p
	out.Trigger.Params = copyParams(p.Trigger.Params)
	out.Action.Params = copyParams(p.Action.Params)
	return out
}

func copyParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		switch t := v.(type) {
		case []any:
			out[k] = append([]any(nil), t...)
		case map[string]any:
			out[k] = copyParams(t)
		default:
			out[k] = v
		}
	}
	return out
}
