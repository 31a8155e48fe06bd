package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
)

func TestMetricsManagerCreation(t *testing.T) {
	Convey("Given metrics manager creation", t, func() {
		Convey("When creating with a private registry", func() {
			registry := prometheus.NewRegistry()
			manager := NewManager(WithPrometheusRegistry(registry))

			Convey("Then collectors are registered under the default namespace", func() {
				So(manager, ShouldNotBeNil)
				manager.submissionsCommitted.Inc()
				families, err := registry.Gather()
				So(err, ShouldBeNil)
				names := make([]string, 0, len(families))
				for _, f := range families {
					names = append(names, f.GetName())
				}
				So(names, ShouldContain, "intake_projection_submissions_committed_total")
			})
		})

		Convey("When creating with custom options", func() {
			registry := prometheus.NewRegistry()
			manager := NewManager(
				WithNamespace("partner"),
				WithSubsystem("sync"),
				WithMetricPrefix("v2"),
				WithHistogramBuckets([]float64{1, 10, 100}),
				WithCustomLabels(map[string]string{"env": "test"}),
				WithPrometheusRegistry(registry),
			)

			Convey("Then names carry namespace, subsystem and prefix", func() {
				manager.transientRetries.Inc()
				families, err := registry.Gather()
				So(err, ShouldBeNil)
				found := false
				for _, f := range families {
					if f.GetName() == "partner_sync_v2_transient_retries_total" {
						found = true
						So(f.GetMetric()[0].GetLabel()[0].GetName(), ShouldEqual, "env")
					}
				}
				So(found, ShouldBeTrue)
			})
		})
	})
}

func TestMetricsRecording(t *testing.T) {
	Convey("Given the global metrics manager", t, func() {
		Convey("When recording projection outcomes", func() {
			before := testutil.ToFloat64(globalManager.projectionOutcomes.WithLabelValues("complete"))
			RecordProjectionOutcome("complete")
			RecordProjectionOutcome("complete")

			Convey("Then the labelled counter increases", func() {
				after := testutil.ToFloat64(globalManager.projectionOutcomes.WithLabelValues("complete"))
				So(after-before, ShouldEqual, 2)
			})
		})

		Convey("When recording alias fallbacks", func() {
			RecordAliasFallback("rolesCapabilities.principalContractorScale")

			Convey("Then it is counted per logical path", func() {
				v := testutil.ToFloat64(globalManager.aliasFallbacks.WithLabelValues("rolesCapabilities.principalContractorScale"))
				So(v, ShouldBeGreaterThanOrEqualTo, 1)
			})
		})

		Convey("When updating gauges", func() {
			UpdateQueueSize(7)
			UpdateQueueCapacity(100)
			UpdateNeedsReview(3)
			UpdateWorkerCount(2)

			Convey("Then they hold the last value", func() {
				So(testutil.ToFloat64(globalManager.queueSize), ShouldEqual, 7)
				So(testutil.ToFloat64(globalManager.queueCapacity), ShouldEqual, 100)
				So(testutil.ToFloat64(globalManager.needsReview), ShouldEqual, 3)
				So(testutil.ToFloat64(globalManager.workerCount), ShouldEqual, 2)
			})
		})

		Convey("When recording everything else", func() {
			So(func() {
				RecordSubmissionCommitted()
				RecordPrimaryWriteFailure()
				RecordIntakeRejected("invalid_document")
				RecordPrimaryWriteLatency(3)
				RecordFieldOutcome("accepted")
				RecordTransientRetry()
				RecordCoercionIssue("malformed")
				RecordExternalCallLatency(120)
				RecordExternalCallError("transient")
				RecordBisectCall()
				UpdateQueueUtilization(0.07)
				RecordQueueEnqueue()
				RecordQueueDequeue()
				RecordQueueEnqueueError()
				RecordRecoveredJob()
				RecordWorkerProcessingLatency(40)
				RecordWorkerError()
				RecordHTTPRequest("submissions", "POST", "202")
				RecordHTTPRequestDuration("submissions", "POST", "202", 4)
				RecordErrorByComponent("worker", "external_error")
				RecordErrorByType("client_error", "medium")
				RecordErrorByEndpoint("submissions", "POST", "client_error")
				UpdateSystemMemoryUsage(1 << 20)
				UpdateSystemGoroutineCount(12)
				RecordSystemGCPauseTime(0.4)
			}, ShouldNotPanic)
		})

		Convey("When exporting the registry", func() {
			RecordSubmissionCommitted()
			families, err := GetRegistry().Gather()

			Convey("Then service metrics are present and Go runtime metrics are not", func() {
				So(err, ShouldBeNil)
				var sawCommitted, sawGoRuntime bool
				for _, f := range families {
					if f.GetName() == "intake_projection_submissions_committed_total" {
						sawCommitted = true
					}
					if strings.HasPrefix(f.GetName(), "go_") {
						sawGoRuntime = true
					}
				}
				So(sawCommitted, ShouldBeTrue)
				So(sawGoRuntime, ShouldBeFalse)
			})
		})
	})
}
