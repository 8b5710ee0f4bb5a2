package metrics

import (
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// Summary is the JSON shape served by the metrics endpoint. It is a
// human-oriented digest of the Prometheus registry for quick inspection;
// scraping tools use the Prometheus endpoint instead.
type Summary struct {
	Mode      string        `json:"mode"`
	HTTP      httpSummary   `json:"http"`
	RateLimit rateLimitInfo `json:"rateLimit"`
	Auth      authInfo      `json:"auth"`
	Sessions  sessionInfo   `json:"sessions"`
	Invites   inviteInfo    `json:"invites"`
	DB        dbInfo        `json:"db"`
	Server    serverInfo    `json:"server"`
}

type httpSummary struct {
	TotalRequests float64 `json:"totalRequests"`
	ErrorRate     float64 `json:"errorRate"`
	P50Latency    float64 `json:"p50Latency"`
	P95Latency    float64 `json:"p95Latency"`
	P99Latency    float64 `json:"p99Latency"`
}

type rateLimitInfo struct {
	Rejections float64 `json:"rejections"`
}

type authInfo struct {
	Failures  float64 `json:"failures"`
	Successes float64 `json:"successes"`
}

type sessionInfo struct {
	Issued  float64 `json:"issued"`
	Revoked float64 `json:"revoked"`
}

type inviteInfo struct {
	Issued float64 `json:"issued"`
}

type dbInfo struct {
	TotalConns    float64 `json:"totalConns"`
	IdleConns     float64 `json:"idleConns"`
	AcquiredConns float64 `json:"acquiredConns"`
}

type serverInfo struct {
	StartTime     float64 `json:"startTime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

// Handler serves the JSON metrics summary.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fams, err := m.registry.Gather()
		if err != nil {
			http.Error(w, "failed to gather metrics", http.StatusInternalServerError)
			return
		}

		g := gathered(fams)
		started := g.first("copydesk_server_start_time_seconds")

		summary := Summary{
			Mode: "live",
			HTTP: httpSummary{
				TotalRequests: g.sum("copydesk_http_requests_total"),
				ErrorRate:     g.errorRate("copydesk_http_requests_total"),
				P50Latency:    g.percentile("copydesk_http_request_duration_seconds", 0.50),
				P95Latency:    g.percentile("copydesk_http_request_duration_seconds", 0.95),
				P99Latency:    g.percentile("copydesk_http_request_duration_seconds", 0.99),
			},
			RateLimit: rateLimitInfo{
				Rejections: g.sum("copydesk_ratelimit_rejections_total"),
			},
			Auth: authInfo{
				Failures:  g.sum("copydesk_auth_failures_total"),
				Successes: g.sum("copydesk_auth_successes_total"),
			},
			Sessions: sessionInfo{
				Issued:  g.first("copydesk_sessions_issued_total"),
				Revoked: g.first("copydesk_sessions_revoked_total"),
			},
			Invites: inviteInfo{
				Issued: g.first("copydesk_invites_issued_total"),
			},
			DB: dbInfo{
				TotalConns:    g.first("copydesk_db_pool_total_conns"),
				IdleConns:     g.first("copydesk_db_pool_idle_conns"),
				AcquiredConns: g.first("copydesk_db_pool_acquired_conns"),
			},
			Server: serverInfo{
				StartTime:     started,
				UptimeSeconds: float64(time.Now().Unix()) - started,
			},
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache, no-store")
		_ = json.NewEncoder(w).Encode(summary)
	}
}

// families indexes a Gather result by metric family name.
type families map[string]*dto.MetricFamily

func gathered(fs []*dto.MetricFamily) families {
	byName := make(families, len(fs))
	for _, f := range fs {
		byName[f.GetName()] = f
	}
	return byName
}

// sum totals every counter series in the named family.
func (g families) sum(name string) float64 {
	var total float64
	for _, m := range g[name].GetMetric() {
		total += m.GetCounter().GetValue()
	}
	return total
}

// first returns the value of the family's first series, whether counter or
// gauge. Used for unlabeled metrics, which carry exactly one series.
func (g families) first(name string) float64 {
	ms := g[name].GetMetric()
	if len(ms) == 0 {
		return 0
	}
	if c := ms[0].GetCounter(); c != nil {
		return c.GetValue()
	}
	return ms[0].GetGauge().GetValue()
}

// errorRate is the fraction of requests in the named counter family whose
// status_code label is 4xx or 5xx.
func (g families) errorRate(name string) float64 {
	var total, failed float64
	for _, m := range g[name].GetMetric() {
		v := m.GetCounter().GetValue()
		total += v
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "status_code" && lp.GetValue() != "" && lp.GetValue()[0] >= '4' {
				failed += v
			}
		}
	}
	if total == 0 {
		return 0
	}
	return failed / total
}

// percentile estimates quantile q from the family's histogram buckets,
// merged across series, with linear interpolation inside the target bucket.
func (g families) percentile(name string, q float64) float64 {
	merged := make(map[float64]uint64)
	var samples uint64
	for _, m := range g[name].GetMetric() {
		h := m.GetHistogram()
		if h == nil {
			continue
		}
		samples += h.GetSampleCount()
		for _, b := range h.GetBucket() {
			merged[b.GetUpperBound()] += b.GetCumulativeCount()
		}
	}
	if samples == 0 {
		return 0
	}

	bounds := make([]float64, 0, len(merged))
	for ub := range merged {
		if !math.IsInf(ub, 1) {
			bounds = append(bounds, ub)
		}
	}
	sort.Float64s(bounds)

	rank := q * float64(samples)
	var lowerBound float64
	var lowerCount uint64
	for _, ub := range bounds {
		cum := merged[ub]
		if float64(cum) >= rank {
			width := cum - lowerCount
			if width == 0 {
				return ub
			}
			return lowerBound + (rank-float64(lowerCount))/float64(width)*(ub-lowerBound)
		}
		lowerBound = ub
		lowerCount = cum
	}

	// Rank falls in the +Inf bucket; the last finite bound is the best
	// available estimate.
	if len(bounds) > 0 {
		return bounds[len(bounds)-1]
	}
	return 0
}
