package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store wraps the database handle. All write failures bubble up untouched:
// an unrecorded result is worse than a failed cycle retried later, so the
// orchestrator treats them as fatal.
type Store struct {
	db *gorm.DB
}

// Open connects using the DSN and migrates the schema. postgres:// DSNs
// (or key=value libpq strings) select the postgres driver, anything else
// is treated as a sqlite path.
func Open(dsn string) (*Store, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.Contains(dsn, "host=") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&TransportNode{}, &CertificateCheck{}, &NodeEvent{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Ping verifies database connectivity, used by the health handler.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// AllNodes returns every known node, active or not.
func (s *Store) AllNodes(ctx context.Context) ([]TransportNode, error) {
	var nodes []TransportNode
	if err := s.db.WithContext(ctx).Order("display_name").Find(&nodes).Error; err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	return nodes, nil
}

// ActiveNodes returns nodes present in the last reconciliation.
func (s *Store) ActiveNodes(ctx context.Context) ([]TransportNode, error) {
	var nodes []TransportNode
	if err := s.db.WithContext(ctx).Where("is_active = ?", true).Order("display_name").Find(&nodes).Error; err != nil {
		return nil, fmt.Errorf("list active nodes: %w", err)
	}
	return nodes, nil
}

// ActiveEdgeNodes returns the probe candidates: active nodes of edge kind.
func (s *Store) ActiveEdgeNodes(ctx context.Context) ([]TransportNode, error) {
	var nodes []TransportNode
	if err := s.db.WithContext(ctx).
		Where("is_active = ? AND kind = ?", true, KindEdge).
		Order("display_name").Find(&nodes).Error; err != nil {
		return nil, fmt.Errorf("list active edge nodes: %w", err)
	}
	return nodes, nil
}

// NodeByID returns one node or gorm.ErrRecordNotFound.
func (s *Store) NodeByID(ctx context.Context, id string) (TransportNode, error) {
	var node TransportNode
	err := s.db.WithContext(ctx).First(&node, "id = ?", id).Error
	return node, err
}

// ApplyReconcile persists one reconciliation outcome in a single
// transaction and records the matching node events. Nothing is ever
// physically deleted.
func (s *Store) ApplyReconcile(ctx context.Context, inserted, updated, reactivated []TransportNode, deactivatedIDs []string) error {
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, n := range inserted {
			n.FirstSeenAt = now
			n.LastSeenAt = now
			n.IsActive = true
			if err := tx.Create(&n).Error; err != nil {
				return err
			}
			if err := tx.Create(&NodeEvent{NodeID: n.ID, EventType: EventAdded, DisplayName: n.DisplayName, IPAddress: n.IPAddress, CreatedAt: now}).Error; err != nil {
				return err
			}
		}
		for _, n := range updated {
			if err := tx.Model(&TransportNode{}).Where("id = ?", n.ID).Updates(map[string]interface{}{
				"display_name":     n.DisplayName,
				"ip_address":       n.IPAddress,
				"hostname":         n.Hostname,
				"kind":             n.Kind,
				"maintenance_mode": n.MaintenanceMode,
				"last_seen_at":     now,
			}).Error; err != nil {
				return err
			}
			if err := tx.Create(&NodeEvent{NodeID: n.ID, EventType: EventUpdated, DisplayName: n.DisplayName, IPAddress: n.IPAddress, CreatedAt: now}).Error; err != nil {
				return err
			}
		}
		for _, n := range reactivated {
			if err := tx.Model(&TransportNode{}).Where("id = ?", n.ID).Updates(map[string]interface{}{
				"display_name":     n.DisplayName,
				"ip_address":       n.IPAddress,
				"hostname":         n.Hostname,
				"kind":             n.Kind,
				"maintenance_mode": n.MaintenanceMode,
				"last_seen_at":     now,
				"is_active":        true,
			}).Error; err != nil {
				return err
			}
			if err := tx.Create(&NodeEvent{NodeID: n.ID, EventType: EventReappeared, DisplayName: n.DisplayName, IPAddress: n.IPAddress, CreatedAt: now}).Error; err != nil {
				return err
			}
		}
		for _, id := range deactivatedIDs {
			var n TransportNode
			if err := tx.First(&n, "id = ?", id).Error; err != nil {
				return err
			}
			if err := tx.Model(&TransportNode{}).Where("id = ?", id).Update("is_active", false).Error; err != nil {
				return err
			}
			if err := tx.Create(&NodeEvent{NodeID: id, EventType: EventRemoved, DisplayName: n.DisplayName, IPAddress: n.IPAddress, CreatedAt: now}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("apply reconcile: %w", err)
	}
	return nil
}

// TouchSeen bumps last_seen_at for nodes reported unchanged.
func (s *Store) TouchSeen(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Model(&TransportNode{}).
		Where("id IN ?", ids).
		Update("last_seen_at", time.Now().UTC()).Error; err != nil {
		return fmt.Errorf("touch seen: %w", err)
	}
	return nil
}

// InsertCheck appends one probe result. Checks are immutable after
// creation.
func (s *Store) InsertCheck(ctx context.Context, check CertificateCheck) error {
	if check.CheckedAt.IsZero() {
		check.CheckedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(&check).Error; err != nil {
		return fmt.Errorf("insert check: %w", err)
	}
	return nil
}

// LatestChecks returns the most recent check per node.
func (s *Store) LatestChecks(ctx context.Context) (map[string]CertificateCheck, error) {
	var checks []CertificateCheck
	if err := s.db.WithContext(ctx).Order("checked_at desc, id desc").Find(&checks).Error; err != nil {
		return nil, fmt.Errorf("list checks: %w", err)
	}
	latest := make(map[string]CertificateCheck)
	for _, c := range checks {
		if _, seen := latest[c.NodeID]; !seen {
			latest[c.NodeID] = c
		}
	}
	return latest, nil
}

// ChecksForNode returns a node's check history, newest first.
func (s *Store) ChecksForNode(ctx context.Context, nodeID string, limit int) ([]CertificateCheck, error) {
	var checks []CertificateCheck
	q := s.db.WithContext(ctx).Where("node_id = ?", nodeID).Order("checked_at desc, id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&checks).Error; err != nil {
		return nil, fmt.Errorf("checks for node %s: %w", nodeID, err)
	}
	return checks, nil
}

// CountChecks reports how many check rows exist.
func (s *Store) CountChecks(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&CertificateCheck{}).Count(&n).Error
	return n, err
}

// RecentEvents returns the newest node lifecycle events.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]NodeEvent, error) {
	var events []NodeEvent
	q := s.db.WithContext(ctx).Order("created_at desc, id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&events).Error; err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	return events, nil
}

// Stats aggregates node counts plus latest-check statuses for the
// dashboard.
func (s *Store) Stats(ctx context.Context) (DashboardStats, error) {
	var stats DashboardStats

	nodes, err := s.AllNodes(ctx)
	if err != nil {
		return stats, err
	}
	latest, err := s.LatestChecks(ctx)
	if err != nil {
		return stats, err
	}

	for _, n := range nodes {
		stats.TotalNodes++
		if n.IsActive {
			stats.ActiveNodes++
		} else {
			stats.InactiveNodes++
			continue
		}
		check, ok := latest[n.ID]
		if !ok {
			stats.NeverChecked++
			continue
		}
		switch check.Status {
		case "ok":
			stats.OK++
		case "warning":
			stats.Warning++
		case "expired":
			stats.Expired++
		case "unreachable":
			stats.Unreachable++
		default:
			stats.Errored++
		}
	}
	return stats, nil
}
