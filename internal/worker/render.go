package worker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/osteele/liquid"
)

// Renderer renders Liquid merge tags with per-template caching. Missing
// variables render as empty strings.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // content hash -> *liquid.Template
}

func NewRenderer() *Renderer {
	engine := liquid.NewEngine()

	// {{ first_name | default: "there" }}
	engine.RegisterFilter("default", func(value interface{}, fallback string) interface{} {
		if value == nil {
			return fallback
		}
		if s, ok := value.(string); ok && s == "" {
			return fallback
		}
		return value
	})

	return &Renderer{engine: engine}
}

// Render renders src against bindings. Content without tags is returned
// unchanged without parsing.
func (r *Renderer) Render(src string, bindings map[string]any) (string, error) {
	if src == "" || !hasTags(src) {
		return src, nil
	}
	key := cacheKey(src)
	if cached, ok := r.cache.Load(key); ok {
		out, err := cached.(*liquid.Template).RenderString(bindings)
		if err != nil {
			return "", fmt.Errorf("render template: %w", err)
		}
		return out, nil
	}

	tpl, err := r.engine.ParseString(src)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	r.cache.Store(key, tpl)

	out, err := tpl.RenderString(bindings)
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return out, nil
}

func hasTags(s string) bool {
	for i := 0; i+1 < len(s); i++ {
		if s[i] == '{' && (s[i+1] == '{' || s[i+1] == '%') {
			return true
		}
	}
	return false
}

func cacheKey(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
