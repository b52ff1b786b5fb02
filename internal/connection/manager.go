package connection

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// VehicleInfo holds information about a connected vehicle device
type VehicleInfo struct {
	ConnectionID  string
	DeviceID      string
	TripID        int64
	ConnectedAt   time.Time
	LastHeardFrom time.Time
	Conn          net.Conn
	mu            sync.RWMutex
}

// UpdateLastHeardFrom updates the last activity timestamp
func (v *VehicleInfo) UpdateLastHeardFrom() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.LastHeardFrom = time.Now()
}

// GetLastHeardFrom returns the last activity timestamp
func (v *VehicleInfo) GetLastHeardFrom() time.Time {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.LastHeardFrom
}

// Manager manages all active vehicle connections. A device may hold more
// than one connection during reconnect overlap; each connection id is its
// own session.
type Manager struct {
	vehicles map[string]*VehicleInfo // key: connection_id
	byDevice map[string][]string     // key: device_id, value: []connection_id
	mu       sync.RWMutex
	maxConns int
}

// NewManager creates a new connection manager
func NewManager(maxConnections int) *Manager {
	return &Manager{
		vehicles: make(map[string]*VehicleInfo),
		byDevice: make(map[string][]string),
		maxConns: maxConnections,
	}
}

// Register adds a new vehicle connection
func (m *Manager) Register(connectionID, deviceID string, tripID int64, conn net.Conn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.vehicles) >= m.maxConns {
		return ErrMaxConnectionsReached
	}

	if _, exists := m.vehicles[connectionID]; exists {
		return fmt.Errorf("connection ID %s already registered", connectionID)
	}

	now := time.Now()
	info := &VehicleInfo{
		ConnectionID:  connectionID,
		DeviceID:      deviceID,
		TripID:        tripID,
		ConnectedAt:   now,
		LastHeardFrom: now,
		Conn:          conn,
	}

	m.vehicles[connectionID] = info
	m.byDevice[deviceID] = append(m.byDevice[deviceID], connectionID)

	return nil
}

// Unregister removes a vehicle connection
func (m *Manager) Unregister(connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	vehicle, exists := m.vehicles[connectionID]
	if !exists {
		return fmt.Errorf("connection ID %s not found", connectionID)
	}

	deviceID := vehicle.DeviceID
	if connIDs, ok := m.byDevice[deviceID]; ok {
		for i, id := range connIDs {
			if id == connectionID {
				m.byDevice[deviceID] = append(connIDs[:i], connIDs[i+1:]...)
				break
			}
		}
		if len(m.byDevice[deviceID]) == 0 {
			delete(m.byDevice, deviceID)
		}
	}

	delete(m.vehicles, connectionID)

	return nil
}

// Get retrieves vehicle information by connection ID
func (m *Manager) Get(connectionID string) (*VehicleInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	vehicle, exists := m.vehicles[connectionID]
	return vehicle, exists
}

// GetByDevice retrieves all connection IDs for a device
func (m *Manager) GetByDevice(deviceID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	connIDs := m.byDevice[deviceID]
	result := make([]string, len(connIDs))
	copy(result, connIDs)
	return result
}

// UpdateActivity updates the last heard from timestamp for a connection
func (m *Manager) UpdateActivity(connectionID string) error {
	m.mu.RLock()
	vehicle, exists := m.vehicles[connectionID]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("connection ID %s not found", connectionID)
	}

	vehicle.UpdateLastHeardFrom()
	return nil
}

// GetInactiveConnections returns connection IDs silent past the timeout
func (m *Manager) GetInactiveConnections(timeout time.Duration) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	var inactive []string

	for connID, vehicle := range m.vehicles {
		if now.Sub(vehicle.GetLastHeardFrom()) > timeout {
			inactive = append(inactive, connID)
		}
	}

	return inactive
}

// Count returns the total number of active connections
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.vehicles)
}

// Stats returns statistics about the connection manager
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return ManagerStats{
		TotalConnections: len(m.vehicles),
		UniqueDevices:    len(m.byDevice),
		MaxConnections:   m.maxConns,
	}
}

// ManagerStats contains statistics about the connection manager
type ManagerStats struct {
	TotalConnections int
	UniqueDevices    int
	MaxConnections   int
}

var (
	ErrMaxConnectionsReached = &ConnectionError{"maximum connections reached"}
)

// ConnectionError represents a connection error
type ConnectionError struct {
	msg string
}

func (e *ConnectionError) Error() string {
	return e.msg
}
