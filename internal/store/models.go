package store

import "time"

// Node kinds persisted on TransportNode.Kind.
const (
	KindEdge  = "edge"
	KindHost  = "host"
	KindOther = "other"
)

// Node lifecycle event types.
const (
	EventAdded      = "added"
	EventRemoved    = "removed"
	EventReappeared = "reappeared"
	EventUpdated    = "updated"
)

// TransportNode mirrors one NSX transport node. The primary key is the
// remote identifier, stable across reconciliation runs. Nodes are never
// deleted: IsActive=false marks nodes the inventory stopped reporting,
// which keeps historical checks attached to a valid node.
type TransportNode struct {
	ID              string    `gorm:"primaryKey" json:"id"`
	DisplayName     string    `gorm:"not null" json:"display_name"`
	IPAddress       string    `json:"ip_address"`
	Hostname        string    `json:"hostname"`
	Kind            string    `gorm:"index" json:"kind"`
	MaintenanceMode string    `json:"maintenance_mode"`
	FirstSeenAt     time.Time `json:"first_seen_at"`
	LastSeenAt      time.Time `json:"last_seen_at"`
	IsActive        bool      `gorm:"index" json:"is_active"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// CertificateCheck is one probe attempt. Rows are append-only; the latest
// check for a node is the one with the greatest CheckedAt.
type CertificateCheck struct {
	ID             uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	NodeID         string     `gorm:"index;not null" json:"node_id"`
	CertExpiryDate *time.Time `json:"cert_expiry_date"`
	DaysRemaining  int        `json:"days_remaining"`
	Status         string     `gorm:"not null" json:"status"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	CheckedAt      time.Time  `gorm:"index" json:"checked_at"`
}

// NodeEvent records inventory lifecycle transitions (added, removed,
// reappeared, updated).
type NodeEvent struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	NodeID      string    `gorm:"index;not null" json:"node_id"`
	EventType   string    `gorm:"not null" json:"event_type"`
	DisplayName string    `json:"display_name"`
	IPAddress   string    `json:"ip_address"`
	CreatedAt   time.Time `json:"created_at"`
}

// DashboardStats is the aggregate the dashboard collaborator renders.
type DashboardStats struct {
	TotalNodes     int `json:"total_nodes"`
	ActiveNodes    int `json:"active_nodes"`
	InactiveNodes  int `json:"inactive_nodes"`
	OK             int `json:"ok"`
	Warning        int `json:"warning"`
	Expired        int `json:"expired"`
	Errored        int `json:"error"`
	Unreachable    int `json:"unreachable"`
	NeverChecked   int `json:"never_checked"`
}
