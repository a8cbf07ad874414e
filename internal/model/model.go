// Package model defines the core entities shared across fleetd.
package model

import "time"

// ServerStatus is the operational state of a managed server.
type ServerStatus string

const (
	ServerActive      ServerStatus = "active"
	ServerUnreachable ServerStatus = "unreachable"
	ServerDisabled    ServerStatus = "disabled"
)

// AuthMethod selects how fleetd authenticates against a server.
type AuthMethod string

const (
	AuthPassword AuthMethod = "password"
	AuthKey      AuthMethod = "key"
)

// Auth holds credentials for a server. It is persisted but never
// serialized into API responses.
type Auth struct {
	Method   AuthMethod `json:"method"`
	Password string     `json:"password,omitempty"`
	KeyPath  string     `json:"key_path,omitempty"`
}

// Server is a registered fleet member. Health fields (Status, HealthScore,
// LastHealthCheck) are written only by the health monitor; the remaining
// fields are operator-managed.
type Server struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	IPAddress       string       `json:"ip_address"`
	Port            int          `json:"port"`
	Username        string       `json:"username"`
	Auth            Auth         `json:"-"`
	Roles           []string     `json:"service_roles"`
	Status          ServerStatus `json:"status"`
	HealthScore     int          `json:"health_score"`
	LastHealthCheck *time.Time   `json:"last_health_check,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// TaskType enumerates the deployment task kinds.
type TaskType string

const (
	TaskInstall     TaskType = "install"
	TaskMigrate     TaskType = "migrate"
	TaskBackup      TaskType = "backup"
	TaskNetworkScan TaskType = "network_scan"
	TaskAutoSetup   TaskType = "auto_setup"
)

// Priority orders how urgently a deployment task should be treated by
// operators and dashboards. Execution itself is not priority-scheduled.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// TaskStatus is the lifecycle state of a deployment task. The three
// terminal states are absorbing: a task never leaves them.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is absorbing.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// DeploymentTask is a stepwise operation against one or more servers.
// Progress is monotonically non-decreasing while Running and exactly 100
// once Completed.
type DeploymentTask struct {
	ID             string         `json:"id"`
	Type           TaskType       `json:"task_type"`
	ServiceType    string         `json:"service_type,omitempty"`
	SourceServerID string         `json:"source_server_id,omitempty"`
	TargetServerID string         `json:"target_server_id,omitempty"`
	Status         TaskStatus     `json:"status"`
	Priority       Priority       `json:"priority,omitempty"`
	Progress       int            `json:"progress"`
	CurrentStep    string         `json:"current_step,omitempty"`
	Config         map[string]any `json:"config,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// TaskLogs is the read model returned by the deployment logs endpoint.
type TaskLogs struct {
	Status       TaskStatus `json:"status"`
	Progress     int        `json:"progress"`
	CurrentStep  string     `json:"current_step,omitempty"`
	Log          []string   `json:"log"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// Severity classifies alerts.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// Metric names emitted by the health monitor.
const (
	MetricCPUUsage        = "cpu_usage"
	MetricMemoryUsage     = "memory_usage"
	MetricDiskUsage       = "disk_usage"
	MetricNodeUnreachable = "node_unreachable"
)

// Alert is a raised condition against a server or domain. At most one
// Active alert exists per (server_id, metric_name) pair; repeated breaches
// update the existing alert in place.
type Alert struct {
	ID              string      `json:"id"`
	Severity        Severity    `json:"severity"`
	Title           string      `json:"title"`
	Message         string      `json:"message"`
	ServerID        string      `json:"server_id,omitempty"`
	DomainID        string      `json:"domain_id,omitempty"`
	MetricName      string      `json:"metric_name,omitempty"`
	MetricValue     float64     `json:"metric_value,omitempty"`
	Status          AlertStatus `json:"status"`
	FirstOccurrence time.Time   `json:"first_occurrence"`
	UpdatedAt       time.Time   `json:"updated_at"`
	ResolutionNotes string      `json:"resolution_notes,omitempty"`
}

// DomainMapping routes a custom domain to a managed subdomain. CRUD-only.
type DomainMapping struct {
	ID              string    `json:"id"`
	CustomDomain    string    `json:"custom_domain"`
	TargetSubdomain string    `json:"target_subdomain"`
	SSLEnabled      bool      `json:"ssl_enabled"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// SystemFacts are basic facts gathered from a remote host.
type SystemFacts struct {
	Hostname  string  `json:"hostname,omitempty"`
	OSType    string  `json:"os_type,omitempty"`
	OSVersion string  `json:"os_version,omitempty"`
	CPUCores  int     `json:"cpu_cores"`
	MemoryGB  float64 `json:"memory_gb"`
	DiskGB    float64 `json:"disk_gb"`
}

// UsageSample is a point-in-time resource utilization reading.
type UsageSample struct {
	CPUPct  float64 `json:"cpu_pct"`
	MemPct  float64 `json:"mem_pct"`
	DiskPct float64 `json:"disk_pct"`
}

// ConnectionResult is the outcome of a non-persisting connectivity probe.
type ConnectionResult struct {
	Reachable bool        `json:"reachable"`
	LatencyMS int64       `json:"latency_ms"`
	Facts     SystemFacts `json:"facts"`
	Message   string      `json:"message,omitempty"`
}

// DiscoveredMachine is one probed host from a network scan.
type DiscoveredMachine struct {
	IP               string   `json:"ip"`
	Port             int      `json:"port,omitempty"`
	Username         string   `json:"username,omitempty"`
	Hostname         string   `json:"hostname,omitempty"`
	OSType           string   `json:"os_type,omitempty"`
	OSVersion        string   `json:"os_version,omitempty"`
	CPUCores         int      `json:"cpu_cores"`
	MemoryGB         float64  `json:"memory_gb"`
	DiskGB           float64  `json:"disk_gb"`
	SSHAccessible    bool     `json:"ssh_accessible"`
	RecommendedRoles []string `json:"recommended_roles,omitempty"`
	AutoSetupReady   bool     `json:"auto_setup_ready"`
	FailReason       string   `json:"fail_reason,omitempty"`
}

// Credential is one username/password/port combination tried during a scan.
type Credential struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Port     int    `json:"port,omitempty"`
}

// Overview aggregates fleet-wide counts for the dashboard.
type Overview struct {
	ServersTotal     int `json:"servers_total"`
	ServersActive    int `json:"servers_active"`
	DomainsTotal     int `json:"domains_total"`
	DomainsActive    int `json:"domains_active"`
	DeploymentsToday int `json:"deployments_24h"`
	AlertsActive     int `json:"alerts_active"`
	AlertsCritical   int `json:"alerts_critical"`
}

// Notification is the payload pushed to notification providers when an
// alert fires.
type Notification struct {
	AlertID    string    `json:"alert_id"`
	Severity   Severity  `json:"severity"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	ServerID   string    `json:"server_id,omitempty"`
	MetricName string    `json:"metric_name,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
