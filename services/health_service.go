package services

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"schoolfees_go/models"
	"schoolfees_go/services/gateway"

	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

const (
	overallStatusOK       = "ok"
	overallStatusDegraded = "degraded"
	overallStatusCritical = "critical"

	dependencyStatusUp       = "up"
	dependencyStatusDown     = "down"
	dependencyStatusDisabled = "disabled"

	defaultServiceName = "School Fees API"
	defaultVersion     = "1.0.0"
	defaultTimeout     = 1500 * time.Millisecond
)

// HealthService aggregates application health information for reporting endpoints.
type HealthService struct {
	db          *gorm.DB
	redis       *redis.Client
	gateways    *gateway.Registry
	environment string
	serviceName string
	version     string
	startTime   time.Time
	timeout     time.Duration
}

// HealthReport represents the JSON response for health endpoints.
type HealthReport struct {
	Status        string             `json:"status"`
	Service       string             `json:"service"`
	Version       string             `json:"version"`
	Environment   string             `json:"environment"`
	Time          time.Time          `json:"time"`
	UptimeSeconds float64            `json:"uptime_seconds"`
	UptimeHuman   string             `json:"uptime_human"`
	Dependencies  []DependencyStatus `json:"dependencies"`
	Payments      *PaymentBacklog    `json:"payments,omitempty"`
	Goroutines    int                `json:"goroutines"`
	GoVersion     string             `json:"go_version"`
}

// DependencyStatus captures the health of a single external dependency.
type DependencyStatus struct {
	Name      string                 `json:"name"`
	Status    string                 `json:"status"`
	LatencyMs int64                  `json:"latency_ms"`
	Error     string                 `json:"error,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// PaymentBacklog counts work the background jobs have not caught up with.
type PaymentBacklog struct {
	OpenExceptions       int64 `json:"open_exceptions"`
	InFlightTransactions int64 `json:"in_flight_transactions"`
	UnprocessedWebhooks  int64 `json:"unprocessed_webhooks"`
}

// NewHealthService creates a HealthService. redis and gateways may be nil.
func NewHealthService(db *gorm.DB, redisClient *redis.Client, gateways *gateway.Registry, environment, version string) *HealthService {
	if strings.TrimSpace(version) == "" {
		version = defaultVersion
	}
	if strings.TrimSpace(environment) == "" {
		environment = "unknown"
	}
	return &HealthService{
		db:          db,
		redis:       redisClient,
		gateways:    gateways,
		environment: environment,
		serviceName: defaultServiceName,
		version:     version,
		startTime:   time.Now(),
		timeout:     defaultTimeout,
	}
}

// SetTimeout overrides the timeout used when probing dependencies.
func (s *HealthService) SetTimeout(d time.Duration) {
	if d > 0 {
		s.timeout = d
	}
}

// GetHealthReport collects the current health information.
func (s *HealthService) GetHealthReport(ctx context.Context) HealthReport {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	uptime := time.Since(s.startTime)
	if uptime < 0 {
		uptime = 0
	}
	report := HealthReport{
		Status:        overallStatusOK,
		Service:       s.serviceName,
		Version:       s.version,
		Environment:   s.environment,
		Time:          time.Now().UTC(),
		UptimeSeconds: uptime.Seconds(),
		UptimeHuman:   humanizeDuration(uptime),
		Goroutines:    runtime.NumGoroutine(),
		GoVersion:     runtime.Version(),
	}

	dbDep, dbStatus := s.checkDatabase(ctx)
	report.Dependencies = append(report.Dependencies, dbDep)
	report.Status = combineStatus(report.Status, dbStatus)

	redisDep, redisStatus := s.checkRedis(ctx)
	report.Dependencies = append(report.Dependencies, redisDep)
	report.Status = combineStatus(report.Status, redisStatus)

	gwDeps, gwStatus := s.checkGateways()
	report.Dependencies = append(report.Dependencies, gwDeps...)
	report.Status = combineStatus(report.Status, gwStatus)

	if dbStatus == overallStatusOK {
		report.Payments = s.paymentBacklog(ctx)
	}
	return report
}

// HTTPStatusForOverall maps a health status to an HTTP status code.
func (s *HealthService) HTTPStatusForOverall(status string) int {
	if status == overallStatusCritical {
		return fiber.StatusServiceUnavailable
	}
	return fiber.StatusOK
}

func (s *HealthService) checkDatabase(ctx context.Context) (DependencyStatus, string) {
	dep := DependencyStatus{Name: "database"}
	if s.db == nil {
		dep.Status = dependencyStatusDown
		dep.Error = "database connection not initialised"
		return dep, overallStatusCritical
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		dep.Status = dependencyStatusDown
		dep.Error = fmt.Sprintf("sql DB handle error: %v", err)
		return dep, overallStatusCritical
	}

	start := time.Now()
	err = sqlDB.PingContext(ctx)
	dep.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		dep.Status = dependencyStatusDown
		dep.Error = err.Error()
		return dep, overallStatusCritical
	}

	dep.Status = dependencyStatusUp
	stats := sqlDB.Stats()
	dep.Details = map[string]interface{}{
		"open_connections": stats.OpenConnections,
		"in_use":           stats.InUse,
		"idle":             stats.Idle,
		"wait_count":       stats.WaitCount,
	}
	return dep, overallStatusOK
}

// Redis only backs the link cache and notification queue, so an outage degrades
func (s *HealthService) checkRedis(ctx context.Context) (DependencyStatus, string) {
	dep := DependencyStatus{Name: "redis"}
	if s.redis == nil {
		dep.Status = dependencyStatusDisabled
		return dep, overallStatusOK
	}

	start := time.Now()
	err := s.redis.Ping(ctx).Err()
	dep.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		dep.Status = dependencyStatusDown
		dep.Error = err.Error()
		return dep, overallStatusDegraded
	}
	dep.Status = dependencyStatusUp
	dep.Details = map[string]interface{}{"address": s.redis.Options().Addr}
	return dep, overallStatusOK
}

// checkGateways reports credentials only; providers are not called from health checks
func (s *HealthService) checkGateways() ([]DependencyStatus, string) {
	if s.gateways == nil {
		return nil, overallStatusOK
	}
	var deps []DependencyStatus
	configured := 0
	for _, name := range s.gateways.Names() {
		dep := DependencyStatus{Name: "gateway:" + name, Status: dependencyStatusDisabled}
		if gw, err := s.gateways.Get(name); err == nil && gw.IsConfigured() {
			dep.Status = dependencyStatusUp
			configured++
		}
		if name == s.gateways.Default() {
			dep.Details = map[string]interface{}{"default": true}
		}
		deps = append(deps, dep)
	}
	if configured == 0 {
		return deps, overallStatusDegraded
	}
	return deps, overallStatusOK
}

func (s *HealthService) paymentBacklog(ctx context.Context) *PaymentBacklog {
	var b PaymentBacklog
	db := s.db.WithContext(ctx)
	db.Model(&models.ReconciliationException{}).Where("status = ?", models.ExceptionStatusOpen).Count(&b.OpenExceptions)
	db.Model(&models.PaymentGatewayTransaction{}).
		Where("status IN ?", []string{models.PaymentStatusPending, models.PaymentStatusInitiated}).
		Count(&b.InFlightTransactions)
	db.Model(&models.WebhookEvent{}).Where("processed_at IS NULL").Count(&b.UnprocessedWebhooks)
	return &b
}

func combineStatus(current, candidate string) string {
	order := map[string]int{
		overallStatusOK:       0,
		overallStatusDegraded: 1,
		overallStatusCritical: 2,
	}
	if _, ok := order[current]; !ok {
		current = overallStatusOK
	}
	if v, ok := order[candidate]; ok && v > order[current] {
		return candidate
	}
	return current
}

func humanizeDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}

	d = d.Round(time.Second)
	days := d / (24 * time.Hour)
	d %= 24 * time.Hour
	hours := d / time.Hour
	d %= time.Hour
	minutes := d / time.Minute
	d %= time.Minute
	seconds := d / time.Second

	parts := []string{}
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	if seconds > 0 || len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("%ds", seconds))
	}
	return strings.Join(parts, " ")
}
