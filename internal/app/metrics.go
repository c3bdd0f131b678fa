package app

import (
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"conductor/internal/quota"
)

var (
	quotaUsedDesc     = prometheus.NewDesc("conductor_quota_used", "Units used in the current cycle.", []string{"key"}, nil)
	quotaLimitDesc    = prometheus.NewDesc("conductor_quota_limit", "Configured limit; absent for unlimited keys.", []string{"key"}, nil)
	quotaReservedDesc = prometheus.NewDesc("conductor_quota_reserved", "Units reserved by in-flight attempts.", []string{"key"}, nil)
	quotaCostDesc     = prometheus.NewDesc("conductor_quota_cost", "Cost recorded in the current cycle.", []string{"key"}, nil)
	quotaResetDesc    = prometheus.NewDesc("conductor_quota_resets_at_seconds", "Unix time of the next reset.", []string{"key"}, nil)
)

// quotaCollector reads the ledger at scrape time.
type quotaCollector struct {
	t *quota.Tracker
}

func newQuotaCollector(t *quota.Tracker) prometheus.Collector { return quotaCollector{t: t} }

func (c quotaCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- quotaUsedDesc
	ch <- quotaLimitDesc
	ch <- quotaReservedDesc
	ch <- quotaCostDesc
	ch <- quotaResetDesc
}

func (c quotaCollector) Collect(ch chan<- prometheus.Metric) {
	for _, st := range c.t.Status() {
		ch <- prometheus.MustNewConstMetric(quotaUsedDesc, prometheus.GaugeValue, float64(st.Used), st.Key)
		ch <- prometheus.MustNewConstMetric(quotaReservedDesc, prometheus.GaugeValue, float64(st.Reserved), st.Key)
		ch <- prometheus.MustNewConstMetric(quotaCostDesc, prometheus.GaugeValue, st.Cost, st.Key)
		ch <- prometheus.MustNewConstMetric(quotaResetDesc, prometheus.GaugeValue, float64(st.ResetsAt.Unix()), st.Key)
		if !st.Unlimited && st.Limit != nil {
			ch <- prometheus.MustNewConstMetric(quotaLimitDesc, prometheus.GaugeValue, float64(*st.Limit), st.Key)
		}
	}
}

// MetricsFile is the textfile target, or "" when export is off.
func (a *App) MetricsFile() string { return a.metricsFile }

// WriteMetrics writes the registry in Prometheus text format to the
// configured textfile. It is a no-op when no textfile is configured.
func (a *App) WriteMetrics() error {
	if a.metricsFile == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(a.metricsFile), 0o755); err != nil {
		return err
	}
	return prometheus.WriteToTextfile(a.metricsFile, a.registry)
}
