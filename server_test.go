package geoprice_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/ByPrice/geoprice"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type statusBody struct {
	geoprice.Status
	ExecutorState string `json:"executor_state"`
}

type resultBody struct {
	Status geoprice.Status `json:"status"`
	Result json.RawMessage `json:"result"`
}

const observationsJSON = `{
	"group_by": "retailer",
	"observations": [
		{"item_uuid": "i1", "store_uuid": "s1", "retailer": "walmart", "price": 10.5, "date": "2024-03-01T10:00:00Z"},
		{"item_uuid": "i1", "store_uuid": "s2", "retailer": "walmart", "price": 12.5, "date": "2024-03-01T11:00:00Z"},
		{"item_uuid": "i1", "store_uuid": "s3", "retailer": "soriana", "price": 11, "date": "2024-03-02T10:00:00Z"}
	]
}`

var _ = Describe("Server", func() {
	var (
		ctx      context.Context
		cancel   context.CancelFunc
		store    *flakyStore
		app      *geoprice.AppContext
		executor *geoprice.PoolExecutor
		limiter  *geoprice.SubmitLimiter
		server   *httptest.Server
		blocking chan struct{}
		timeout  time.Duration
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		store = &flakyStore{Store: geoprice.NewInMemoryStore()}
		app = geoprice.NewAppContext(store, time.Hour, testLogger(), geoprice.NewMetrics())
		executor = geoprice.NewPoolExecutor(app.NewTracker, &geoprice.Config{Workers: 2, QueueSize: 10}, testLogger())
		executor.SetMetrics(app.Metrics)
		executor.Register(geoprice.PriceStatsKind, geoprice.PriceStatsJob)

		blocking = make(chan struct{}, 1)
		executor.Register("block", func(ctx context.Context, tracker *geoprice.Tracker, _ geoprice.Params) error {
			_ = tracker.SetProgress(ctx, 10)
			blocking <- struct{}{}
			<-ctx.Done()
			return ctx.Err()
		})
		app.Executor = executor
		Expect(executor.Start(ctx)).To(Succeed())
		limiter = nil
		timeout = 0
	})

	JustBeforeEach(func() {
		server = httptest.NewServer(geoprice.Server{App: app, Limiter: limiter, StreamInterval: 20 * time.Millisecond, StreamTimeout: timeout}.Router())
	})

	AfterEach(func() {
		server.Close()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		Expect(executor.Stop(stopCtx)).To(Succeed())
		cancel()
	})

	get := func(path string, out any) int {
		resp, err := http.Get(server.URL + path)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		if out != nil {
			Expect(json.NewDecoder(resp.Body).Decode(out)).To(Succeed())
		}
		return resp.StatusCode
	}

	start := func(kind, body string) geoprice.Ack {
		resp, err := http.Post(server.URL+"/start/"+kind, "application/json", strings.NewReader(body))
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
		var ack geoprice.Ack
		Expect(json.NewDecoder(resp.Body).Decode(&ack)).To(Succeed())
		return ack
	}

	It("should answer health checks", func() {
		resp, err := http.Get(server.URL + "/healthz")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
	})

	It("should run a price_stats job to completion", func() {
		ack := start(geoprice.PriceStatsKind, observationsJSON)

		var res resultBody
		Eventually(func() geoprice.Stage {
			get("/result/"+ack.JobID, &res)
			return res.Status.Stage
		}).Should(Equal(geoprice.StageCompleted))

		var groups []geoprice.PriceGroup
		Expect(json.Unmarshal(res.Result, &groups)).To(Succeed())
		Expect(groups).To(HaveLen(2))
		Expect(groups[0]).To(Equal(geoprice.PriceGroup{Key: "soriana", Count: 1, Min: 11, Max: 11, Avg: 11}))
		Expect(groups[1]).To(Equal(geoprice.PriceGroup{Key: "walmart", Count: 2, Min: 10.5, Max: 12.5, Avg: 11.5}))

		var status statusBody
		Expect(get("/status/"+ack.JobID, &status)).To(Equal(http.StatusOK))
		Expect(status.Progress).To(Equal(100))
		Expect(status.ExecutorState).To(Equal(geoprice.ExecutorStateDone))

		var name map[string]string
		get("/name/"+ack.JobID, &name)
		Expect(name["name"]).To(Equal(geoprice.PriceStatsKind))
	})

	It("should report invalid parameters as a failed job", func() {
		ack := start(geoprice.PriceStatsKind, `{"group_by":"planet","observations":[]}`)

		var status statusBody
		Eventually(func() geoprice.Stage {
			get("/status/"+ack.JobID, &status)
			return status.Stage
		}).Should(Equal(geoprice.StageError))
		Expect(status.Msg).To(ContainSubstring("unsupported group_by"))
	})

	It("should report unknown jobs as pending with a null result", func() {
		var status statusBody
		Expect(get("/status/never-submitted", &status)).To(Equal(http.StatusOK))
		Expect(status.Status).To(Equal(geoprice.PendingStatus()))
		Expect(status.ExecutorState).To(Equal(geoprice.ExecutorStateUnknown))

		var res resultBody
		Expect(get("/result/never-submitted", &res)).To(Equal(http.StatusOK))
		Expect(res.Status).To(Equal(geoprice.PendingStatus()))
		Expect(string(res.Result)).To(Equal("null"))
	})

	It("should cancel a running job", func() {
		ack := start("block", `{}`)
		Eventually(blocking).Should(Receive())

		var status statusBody
		Expect(get("/cancel/"+ack.JobID, &status)).To(Equal(http.StatusOK))
		Expect(status.Progress).To(Equal(geoprice.ProgressCancelled))
		Expect(status.Stage).To(Equal(geoprice.StageCancelled))

		Eventually(func() string { return executor.State(ack.JobID) }).Should(Equal(geoprice.ExecutorStateRevoked))
		Consistently(func() geoprice.Stage {
			get("/status/"+ack.JobID, &status)
			return status.Stage
		}, 200*time.Millisecond).Should(Equal(geoprice.StageCancelled))
	})

	It("should leave a completed job unchanged on cancel", func() {
		tracker := app.NewTracker("finished-job")
		Expect(tracker.SetProgress(ctx, 100)).To(Succeed())

		var status statusBody
		Expect(get("/cancel/finished-job", &status)).To(Equal(http.StatusOK))
		Expect(status.Progress).To(Equal(100))
		Expect(status.Stage).To(Equal(geoprice.StageCompleted))

		stored, err := tracker.GetStatus(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(stored.Stage).To(Equal(geoprice.StageCompleted))
	})

	It("should refuse to cancel when the status cannot be read", func() {
		tracker := app.NewTracker("done-job")
		Expect(tracker.SetProgress(ctx, 100)).To(Succeed())

		store.setReadsDown(true)
		resp, err := http.Get(server.URL + "/cancel/done-job")
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
		store.setReadsDown(false)

		stored, err := tracker.GetStatus(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(stored.Stage).To(Equal(geoprice.StageCompleted))
		Expect(stored.Progress).To(Equal(100))
	})

	It("should not create a record when cancelling an unknown job", func() {
		var status statusBody
		Expect(get("/cancel/never-submitted", &status)).To(Equal(http.StatusOK))
		Expect(status.Status).To(Equal(geoprice.PendingStatus()))
		Expect(status.ExecutorState).To(Equal(geoprice.ExecutorStateUnknown))

		_, found, err := app.NewTracker("never-submitted").LookupStatus(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeFalse())
	})

	readStream := func(path string) []string {
		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get(server.URL + path)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()

		var lines []string
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines = append(lines, scanner.Text())
		}
		Expect(scanner.Err()).NotTo(HaveOccurred())
		return lines
	}

	It("should end the stream of an unknown job with the pending result", func() {
		lines := readStream("/result/never-submitted/stream")
		Expect(lines).To(HaveLen(1))

		var final resultBody
		Expect(json.Unmarshal([]byte(lines[0]), &final)).To(Succeed())
		Expect(final.Status).To(Equal(geoprice.PendingStatus()))
		Expect(string(final.Result)).To(Equal("null"))
	})

	Context("with a stream timeout", func() {
		BeforeEach(func() {
			timeout = 150 * time.Millisecond
		})

		It("should end the stream of a job the executor lost", func() {
			Expect(app.NewTracker("orphan-job").SetProgress(ctx, 40)).To(Succeed())

			began := time.Now()
			lines := readStream("/result/orphan-job/stream")
			Expect(time.Since(began)).To(BeNumerically("<", 3*time.Second))
			Expect(lines).To(HaveLen(2))

			var final resultBody
			Expect(json.Unmarshal([]byte(lines[1]), &final)).To(Succeed())
			Expect(final.Status.Progress).To(Equal(40))
			Expect(final.Status.Stage).To(Equal(geoprice.StageRunning))
			Expect(string(final.Result)).To(Equal("null"))
		})
	})

	It("should stream status lines and finish with the result", func() {
		ack := start(geoprice.PriceStatsKind, observationsJSON)

		resp, err := http.Get(server.URL + "/result/" + ack.JobID + "/stream")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.Header.Get("Content-Type")).To(Equal("application/x-ndjson"))

		var lines []string
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines = append(lines, scanner.Text())
		}
		Expect(scanner.Err()).NotTo(HaveOccurred())
		Expect(lines).NotTo(BeEmpty())

		var last resultBody
		Expect(json.Unmarshal([]byte(lines[len(lines)-1]), &last)).To(Succeed())
		Expect(last.Status.Stage).To(Equal(geoprice.StageCompleted))
		Expect(string(last.Result)).To(ContainSubstring("walmart"))
	})

	It("should not register routes for unknown kinds", func() {
		resp, err := http.Post(server.URL+"/start/unknown", "application/json", strings.NewReader(`{}`))
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
	})

	It("should expose prometheus metrics", func() {
		start(geoprice.PriceStatsKind, observationsJSON)

		resp, err := http.Get(server.URL + "/metrics")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(body)).To(ContainSubstring(`geoprice_tasks_submitted_total{kind="price_stats"} 1`))
	})

	Context("with a submission limiter", func() {
		BeforeEach(func() {
			limiter = geoprice.NewSubmitLimiter(0.001, 1)
		})

		It("should throttle repeated submissions", func() {
			start(geoprice.PriceStatsKind, observationsJSON)

			resp, err := http.Post(server.URL+"/start/"+geoprice.PriceStatsKind, "application/json", strings.NewReader(observationsJSON))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusTooManyRequests))

			var status statusBody
			Expect(get("/status/anything", &status)).To(Equal(http.StatusOK))
		})
	})
})
