package statusmap

import "github.com/voys/parceldesk/internal/models"

// Resolve maps an external carrier status onto an internal workflow slug.
// Mappings are evaluated in insertion order and the first one whose
// ml_statuses list contains the status wins. Matching is case-sensitive:
// carrier statuses are stable lowercase identifiers, not free text.
// Returns "" when no mapping matches.
func Resolve(mappings []*models.StatusMapping, externalStatus string) string {
	if externalStatus == "" {
		return ""
	}
	for _, m := range mappings {
		for _, s := range m.MLStatuses {
			if s == externalStatus {
				return m.Slug
			}
		}
	}
	return ""
}
