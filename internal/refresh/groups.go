package refresh

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"buoywatch/internal/storage"
)

// GroupKey identifies one shared remote query: the canonical constraint set
// plus the timeseries kind. Two series whose constraints hold the same
// key/value pairs in any order share a key.
type GroupKey struct {
	Constraints string
	Kind        storage.Kind
}

// Group is the unit of remote fetching: every series that can be served by
// one tabledap request.
type Group struct {
	Key         GroupKey
	Constraints map[string]string
	Series      []storage.Series
}

// Variables returns the de-duplicated variable names of the group, in first
// seen order.
func (g Group) Variables() []string {
	seen := make(map[string]bool, len(g.Series))
	variables := make([]string, 0, len(g.Series))
	for _, series := range g.Series {
		if seen[series.Variable] {
			continue
		}
		seen[series.Variable] = true
		variables = append(variables, series.Variable)
	}
	return variables
}

// GroupSeries partitions a dataset's active series by constraint set and
// kind. A series whose constraints can't be decoded is logged and skipped so
// its siblings still refresh. Group order is deterministic (sorted by key).
func GroupSeries(series []storage.Series, logger zerolog.Logger) []Group {
	byKey := make(map[GroupKey]*Group)

	for _, sr := range series {
		constraints, err := decodeConstraints(sr.Constraints)
		if err != nil {
			logger.Error().
				Err(err).
				Int64("series_id", sr.ID).
				Str("platform", sr.PlatformName).
				Msg("unable to read constraints for timeseries")
			continue
		}

		key := GroupKey{Constraints: canonicalConstraints(constraints), Kind: sr.Kind}
		group, ok := byKey[key]
		if !ok {
			group = &Group{Key: key, Constraints: constraints}
			byKey[key] = group
		}
		group.Series = append(group.Series, sr)
	}

	groups := make([]Group, 0, len(byKey))
	for _, group := range byKey {
		groups = append(groups, *group)
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Key.Constraints != groups[j].Key.Constraints {
			return groups[i].Key.Constraints < groups[j].Key.Constraints
		}
		return groups[i].Key.Kind < groups[j].Key.Kind
	})
	return groups
}

// decodeConstraints reads the stored constraints JSON into string key/value
// pairs. Null or empty constraints yield the empty set.
func decodeConstraints(raw json.RawMessage) (map[string]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]string{}, nil
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode constraints %s: %w", string(raw), err)
	}

	constraints := make(map[string]string, len(decoded))
	for key, value := range decoded {
		constraints[key] = constraintValue(value)
	}
	return constraints, nil
}

func constraintValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// canonicalConstraints renders a constraint set order-independently.
func canonicalConstraints(constraints map[string]string) string {
	if len(constraints) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(constraints))
	for key, value := range constraints {
		pairs = append(pairs, key+"="+value)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, "&")
}
