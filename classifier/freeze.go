package classifier

import (
	"strings"

	"github.com/gomlx/gomlx/ml/context"
)

// FreezePlan splits the backbone layers, in creation order, into the frozen prefix and the
// trainable tail of at most tail layers
func FreezePlan(layers []string, tail int) (frozen, trainable []string) {
	tail = max(0, min(tail, len(layers)))
	cut := len(layers) - tail
	return layers[:cut], layers[cut:]
}

// BackboneLayers returns the distinct variable scopes under scope, in the order their
// first variable was created. Each scope is one layer.
func BackboneLayers(ctx *context.Context, scope string) []string {
	var layers []string
	seen := make(map[string]bool)
	ctx.EnumerateVariables(func(v *context.Variable) {
		s := v.Scope()
		if !underScope(s, scope) || seen[s] {
			return
		}
		seen[s] = true
		layers = append(layers, s)
	})
	return layers
}

// freezeLayers marks every variable of the frozen scopes as not trainable
func freezeLayers(ctx *context.Context, frozen []string) {
	if len(frozen) == 0 {
		return
	}
	set := make(map[string]bool, len(frozen))
	for _, s := range frozen {
		set[s] = true
	}
	ctx.EnumerateVariables(func(v *context.Variable) {
		if set[v.Scope()] {
			v.SetTrainable(false)
		}
	})
}

func underScope(s, scope string) bool {
	return s == scope || strings.HasPrefix(s, scope+context.ScopeSeparator)
}
