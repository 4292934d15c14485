package billing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	commitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "membership_commits_total",
			Help: "Membership change commits by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	previewsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "membership_previews_total",
			Help: "Membership change previews by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	webhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "membership_webhook_events_total",
			Help: "Processor webhook events by type and outcome",
		},
		[]string{"type", "outcome"},
	)
)

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
