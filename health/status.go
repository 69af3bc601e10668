package health

import (
	"regexp"
	"strings"
	"time"

	"github.com/c360/depkit/depgraph"
)

// Compiled once, applied to every component error
var (
	httpURLRegex     = regexp.MustCompile(`https?://[^\s]+`)
	natsURLRegex     = regexp.MustCompile(`nats://[^\s]+`)
	wsURLRegex       = regexp.MustCompile(`wss?://[^\s]+`)
	unixPathRegex    = regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`)
	windowsPathRegex = regexp.MustCompile(`[A-Z]:\\[^:\s]+`)
	ipAddrRegex      = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portRegex        = regexp.MustCompile(`:\d{2,5}\b`)
	credentialRegex  = regexp.MustCompile(`(?i)(password|token|key|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Health levels
const (
	LevelHealthy   = "healthy"
	LevelDegraded  = "degraded"
	LevelUnhealthy = "unhealthy"
)

// Status is the health of one component or of an aggregate
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics are optional figures attached to a status
type Metrics struct {
	Uptime       time.Duration `json:"uptime"`
	ErrorCount   int           `json:"error_count"`
	LastActivity time.Time     `json:"last_activity,omitempty"`
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool { return s.Status == LevelHealthy }

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool { return s.Status == LevelDegraded }

// IsUnhealthy returns true if the status is unhealthy
func (s Status) IsUnhealthy() bool { return s.Status == LevelUnhealthy }

// WithMetrics returns a copy of the status with metrics attached
func (s Status) WithMetrics(metrics *Metrics) Status {
	s.Metrics = metrics
	return s
}

// WithSubStatus returns a copy with sub appended
func (s Status) WithSubStatus(sub Status) Status {
	subs := make([]Status, len(s.SubStatuses), len(s.SubStatuses)+1)
	copy(subs, s.SubStatuses)
	s.SubStatuses = append(subs, sub)
	return s
}

// sanitizeErrorMessage replaces URLs, paths, IP addresses, ports and
// credential assignments with placeholders.
func sanitizeErrorMessage(err string) string {
	if err == "" {
		return ""
	}

	// URLs go first, they contain paths
	sanitized := httpURLRegex.ReplaceAllString(err, "[URL]")
	sanitized = natsURLRegex.ReplaceAllString(sanitized, "[URL]")
	sanitized = wsURLRegex.ReplaceAllString(sanitized, "[URL]")

	sanitized = unixPathRegex.ReplaceAllString(sanitized, "[PATH]")
	sanitized = windowsPathRegex.ReplaceAllString(sanitized, "[PATH]")
	sanitized = ipAddrRegex.ReplaceAllString(sanitized, "[IP]")
	sanitized = portRegex.ReplaceAllString(sanitized, "[PORT]")

	lower := strings.ToLower(sanitized)
	for _, word := range []string{"password", "token", "key", "secret", "credential"} {
		if strings.Contains(lower, word) {
			sanitized = credentialRegex.ReplaceAllString(sanitized, "[REDACTED]")
			break
		}
	}
	return sanitized
}

// FromComponent derives a status from a component view
func FromComponent(c depgraph.ComponentDTO) Status {
	var s Status
	switch c.State {
	case depgraph.StateTrackingOptional:
		s = NewHealthy(c.Name, "Component started")
	case depgraph.StateInstantiatedAndWaitingForRequired:
		s = NewDegraded(c.Name, "Component instantiated, waiting for dependencies")
	case depgraph.StateInactive:
		s = NewUnhealthy(c.Name, "Component inactive")
	default:
		s = NewUnhealthy(c.Name, "Waiting for "+unsatisfied(c))
	}
	if c.LastError != "" && !s.IsHealthy() {
		s.Message = sanitizeErrorMessage(c.LastError)
	}
	if c.Failed {
		s = s.WithMetrics(&Metrics{ErrorCount: 1})
	}
	return s
}

func unsatisfied(c depgraph.ComponentDTO) string {
	var names []string
	for _, dep := range c.Dependencies {
		if !dep.Satisfied {
			names = append(names, dep.Name)
		}
	}
	if c.ConfigPID != "" && !c.Configured {
		names = append(names, "configuration "+c.ConfigPID)
	}
	if len(names) == 0 {
		return "activation"
	}
	return strings.Join(names, ", ")
}
