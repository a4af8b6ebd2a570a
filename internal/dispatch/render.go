package dispatch

import (
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/osteele/liquid"
)

// Renderer personalizes campaign subject and content per recipient with
// Liquid templates. Parsed templates are cached by the template text, so
// the per-recipient cost is binding and rendering only, and an edited
// campaign always renders its current content.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // map[[32]byte]*liquid.Template
}

// NewRenderer creates a renderer with the filters campaigns rely on.
func NewRenderer() *Renderer {
	engine := liquid.NewEngine()

	// {{ first_name | default: "Friend" }}
	engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		strVal := fmt.Sprintf("%v", value)
		if strVal == "" || strVal == "<nil>" {
			return defaultVal
		}
		return value
	})

	return &Renderer{engine: engine}
}

// Render renders templateStr against binding, reusing the cached parse for
// a previously seen template text.
func (r *Renderer) Render(templateStr string, binding map[string]interface{}) (string, error) {
	key := sha256.Sum256([]byte(templateStr))
	if cached, ok := r.cache.Load(key); ok {
		return cached.(*liquid.Template).RenderString(binding)
	}

	tpl, err := r.engine.ParseString(templateStr)
	if err != nil {
		return "", err
	}
	r.cache.Store(key, tpl)
	return tpl.RenderString(binding)
}
