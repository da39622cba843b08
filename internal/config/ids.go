package config

import (
	"fmt"
	"strings"

	"github.com/disgoorg/snowflake/v2"
)

// ParseIDField parses an optional snowflake. Empty means 0.
func ParseIDField(path, raw string) (snowflake.ID, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	id, err := snowflake.Parse(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid id %q: %w", path, raw, err)
	}
	return id, nil
}

func ParseIDList(path string, raw []string) ([]snowflake.ID, error) {
	out := make([]snowflake.ID, 0, len(raw))
	seen := make(map[snowflake.ID]struct{}, len(raw))
	for i, r := range raw {
		id, err := ParseIDField(fmt.Sprintf("%s[%d]", path, i), r)
		if err != nil {
			return nil, err
		}
		if id == 0 {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}
