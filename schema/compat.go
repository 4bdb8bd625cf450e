package schema

import (
	"fmt"
	"sort"
	"strings"
)

// compare evaluates backward compatibility of proposed against current,
// field by field. Consumers built against current must still be able to
// process events written under proposed.
func compare(current, proposed Definition) []string {
	var violations []string

	var removed, added []string
	for field := range current.Properties {
		if _, ok := proposed.Properties[field]; !ok {
			removed = append(removed, field)
		}
	}
	for field := range proposed.Properties {
		if _, ok := current.Properties[field]; !ok {
			added = append(added, field)
		}
	}
	sort.Strings(removed)
	sort.Strings(added)

	for _, field := range removed {
		violations = append(violations, fmt.Sprintf("field %s was removed", field))
	}

	var typeChanged []string
	for field, currentType := range current.Properties {
		proposedType, ok := proposed.Properties[field]
		if ok && proposedType != currentType {
			typeChanged = append(typeChanged, fmt.Sprintf("field %s changed type from %s to %s", field, currentType, proposedType))
		}
	}
	sort.Strings(typeChanged)
	violations = append(violations, typeChanged...)

	currentRequired := toSet(current.Required)
	var promoted []string
	for _, field := range proposed.Required {
		_, existed := current.Properties[field]
		if existed && !currentRequired[field] {
			promoted = append(promoted, fmt.Sprintf("field %s was optional and is now required", field))
		}
	}
	sort.Strings(promoted)
	violations = append(violations, promoted...)

	// A removal paired with an addition cannot be told apart from a rename,
	// which breaks consumers reading the old name.
	if len(removed) > 0 && len(added) > 0 {
		violations = append(violations, fmt.Sprintf(
			"potential breaking change: fields removed (%s) and added (%s) in the same revision, possible rename",
			strings.Join(removed, ", "), strings.Join(added, ", ")))
	}

	return violations
}

func toSet(fields []string) map[string]bool {
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}
