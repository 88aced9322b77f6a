package args

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// KeyValues collects "KEY=VALUE" flags. It is repeatable.
type KeyValues struct {
	kv map[string]string
}

func (k *KeyValues) String() string {
	if k == nil || len(k.kv) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(k.kv))
	for _, key := range slices.Sorted(maps.Keys(k.kv)) {
		pairs = append(pairs, key+"="+k.kv[key])
	}
	return strings.Join(pairs, ",")
}

// Set adds a pair. Later pairs overwrite earlier ones with the same key.
//
// Compliant with the flag.Value interface.
func (k *KeyValues) Set(s string) error {
	key, value, ok := strings.Cut(s, "=")
	if !ok || key == "" {
		return fmt.Errorf("should be KEY=VALUE: %q", s)
	}
	if k.kv == nil {
		k.kv = map[string]string{}
	}
	k.kv[key] = value
	return nil
}

// Map returns pairs set so far. It is nil when nothing is set.
func (k *KeyValues) Map() map[string]string {
	if k == nil || len(k.kv) == 0 {
		return nil
	}
	return maps.Clone(k.kv)
}
