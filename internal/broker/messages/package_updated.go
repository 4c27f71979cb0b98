package messages

import "time"

// PackageUpdated is published after every reconciliation write, webhook or
// sweep driven. Consumers use it to refresh caches and feed downstream
// systems; the database row is already committed when this goes out.
type PackageUpdated struct {
	PackageID    uint64 `json:"package_id"`
	MLOrderID    string `json:"ml_order_id,omitempty"`
	MLTrackingID string `json:"ml_tracking_id,omitempty"`

	MLStatus    string `json:"ml_status,omitempty"`
	MLSubstatus string `json:"ml_substatus,omitempty"`
	VoysStatus  string `json:"voys_status,omitempty"`

	Source    string    `json:"source"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Source values.
const (
	SourceWebhook  = "MercadoLibre"
	SourceAutoSync = "AutoSync-ML"
)
