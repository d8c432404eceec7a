package integration

import (
	"net/http"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/stacklok/toolhive-state-exporter/internal/config"
	"github.com/stacklok/toolhive-state-exporter/internal/record"
	"github.com/stacklok/toolhive-state-exporter/internal/setup"
	"github.com/stacklok/toolhive-state-exporter/internal/status"
	"github.com/stacklok/toolhive-state-exporter/test-integration/exporter/helpers"
)

const (
	metadataTable = "homeassistant_metadata"
	entitiesTable = "homeassistant_entities"

	apiKey  = "service-role-key"
	haToken = "long-lived-token"
)

var baseTime = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func rowsFor(rows []record.Row, itemID string) int {
	n := 0
	for _, r := range rows {
		if r[record.ColumnItemID] == itemID {
			n++
		}
	}
	return n
}

var _ = Describe("Supabase export", Label("postgrest", "homeassistant"), func() {
	var (
		tempDir      string
		supabase     *helpers.FakeSupabase
		ha           *helpers.MockHomeAssistant
		serverHelper *helpers.ServerTestHelper
		configFile   string
		items        []string
	)

	BeforeEach(func() {
		tempDir = createTempDir("exporter-test-")
		supabase = helpers.NewFakeSupabase(apiKey)
		ha = helpers.NewMockHomeAssistantBuilder().
			WithToken(haToken).
			WithState("sensor.temperature", "21.5", map[string]any{"unit_of_measurement": "°C"}, baseTime).
			WithState("light.kitchen", "on", nil, baseTime).
			Build()
		items = []string{"sensor.temperature", "light.kitchen", "sensor.missing"}

		configFile = helpers.WriteConfigYAML(tempDir, helpers.ExporterSpec{
			Name:        "home",
			RemoteURL:   supabase.URL(),
			APIKey:      apiKey,
			SourceURL:   ha.URL(),
			SourceToken: haToken,
			Items:       items,
		})
		serverHelper = helpers.NewServerTestHelper(ctx, configFile, filepath.Join(tempDir, "data"))
	})

	AfterEach(func() {
		_ = serverHelper.StopServer()
		ha.Close()
		supabase.Close()
		cleanupTempDir(tempDir)
	})

	Context("First refresh", func() {
		It("provisions the target and exports every known item once", func() {
			Expect(serverHelper.StartServer()).To(Succeed())
			serverHelper.WaitForServerReady(10 * time.Second)

			metadata := supabase.Rows(metadataTable)
			Expect(metadata).To(HaveLen(1))
			Expect(metadata[0][record.ColumnProvisioned]).To(BeTrue())

			rows := supabase.Rows(entitiesTable)
			Expect(rows).To(HaveLen(2))
			Expect(rowsFor(rows, "sensor.missing")).To(BeZero())
			Expect(ha.Hits("sensor.missing")).To(BeNumerically(">=", 1))

			snap, code, err := serverHelper.GetSnapshot("home")
			Expect(err).NotTo(HaveOccurred())
			Expect(code).To(Equal(http.StatusOK))
			Expect(snap.Items).To(HaveLen(2))
			Expect(snap.Metadata.Provisioned).To(BeTrue())
			Expect(snap.Metadata.TargetURL).To(Equal(supabase.URL()))

			sensors, err := serverHelper.GetSensors("home")
			Expect(err).NotTo(HaveOccurred())
			Expect(sensors.Sensors).To(HaveLen(1))
			Expect(sensors.Sensors[0].UniqueID).To(Equal("supabase_export_" + supabase.URL() + "_entity_records"))
			Expect(sensors.Sensors[0].Value).To(BeNumerically("==", 2))
		})
	})

	Context("Change detection", func() {
		BeforeEach(func() {
			Expect(serverHelper.StartServer()).To(Succeed())
			serverHelper.WaitForServerReady(10 * time.Second)
		})

		runOnce := func() {
			exp, ok := serverHelper.App().Registry().Get("home")
			Expect(ok).To(BeTrue())
			Expect(exp.Scheduler().RunOnce(ctx)).To(Succeed())
		}

		It("appends a row when value and timestamp both change", func() {
			ha.SetState("sensor.temperature", "22.0", nil, baseTime.Add(time.Minute))
			runOnce()

			rows := supabase.Rows(entitiesTable)
			Expect(rowsFor(rows, "sensor.temperature")).To(Equal(2))
			Expect(rowsFor(rows, "light.kitchen")).To(Equal(1))
		})

		It("does not append when only the value changes", func() {
			ha.SetState("light.kitchen", "off", nil, baseTime)
			runOnce()

			Expect(rowsFor(supabase.Rows(entitiesTable), "light.kitchen")).To(Equal(1))
		})

		It("does not append when only the timestamp changes", func() {
			ha.SetState("light.kitchen", "on", nil, baseTime.Add(time.Hour))
			runOnce()

			Expect(rowsFor(supabase.Rows(entitiesTable), "light.kitchen")).To(Equal(1))
		})

		It("picks up an item that appears later", func() {
			ha.SetState("sensor.missing", "3", nil, baseTime)
			runOnce()

			Expect(rowsFor(supabase.Rows(entitiesTable), "sensor.missing")).To(Equal(1))
			snap, _, err := serverHelper.GetSnapshot("home")
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.Items).To(HaveLen(3))
		})

		It("refreshes on demand through the API", func() {
			ha.SetState("sensor.temperature", "23.1", nil, baseTime.Add(2*time.Minute))

			resp, err := serverHelper.Refresh("home")
			Expect(err).NotTo(HaveOccurred())
			_ = resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))

			Eventually(func() int {
				return rowsFor(supabase.Rows(entitiesTable), "sensor.temperature")
			}, 5*time.Second, 50*time.Millisecond).Should(Equal(2))

			Eventually(func() int {
				snap, _, err := serverHelper.GetSnapshot("home")
				if err != nil {
					return -1
				}
				return snap.ItemCount()
			}, 5*time.Second, 50*time.Millisecond).Should(Equal(3))
		})
	})

	Context("Restart", func() {
		It("loads the baseline and writes no duplicates", func() {
			Expect(serverHelper.StartServer()).To(Succeed())
			serverHelper.WaitForServerReady(10 * time.Second)
			Expect(serverHelper.StopServer()).To(Succeed())

			insertsBefore := supabase.Inserts()

			serverHelper = helpers.NewServerTestHelper(ctx, configFile, filepath.Join(tempDir, "data"))
			Expect(serverHelper.StartServer()).To(Succeed())
			serverHelper.WaitForServerReady(10 * time.Second)

			Expect(supabase.Inserts()).To(Equal(insertsBefore))
			Expect(supabase.Rows(entitiesTable)).To(HaveLen(2))

			snap, _, err := serverHelper.GetSnapshot("home")
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.Items).To(HaveLen(2))

			summary, err := serverHelper.GetExporter("home")
			Expect(err).NotTo(HaveOccurred())
			Expect(summary.Phase).To(Equal(status.SyncPhaseComplete))
		})
	})
})

var _ = Describe("Rejected credentials", Label("postgrest"), func() {
	var (
		tempDir  string
		supabase *helpers.FakeSupabase
		ha       *helpers.MockHomeAssistant
	)

	BeforeEach(func() {
		tempDir = createTempDir("exporter-auth-test-")
		supabase = helpers.NewFakeSupabase(apiKey)
		ha = helpers.NewMockHomeAssistantBuilder().
			WithState("sensor.temperature", "21.5", nil, baseTime).
			Build()
	})

	AfterEach(func() {
		ha.Close()
		supabase.Close()
		cleanupTempDir(tempDir)
	})

	It("maps a wrong API key to invalid_auth at setup", func() {
		remoteCfg := config.RemoteConfig{Type: config.RemoteTypePostgREST, URL: supabase.URL(), APIKey: "wrong"}
		_, err := setup.ValidateConnection(ctx, &remoteCfg)
		Expect(err).To(HaveOccurred())
		Expect(setup.Code(err)).To(Equal(setup.CodeInvalidAuth))

		remoteCfg.APIKey = apiKey
		title, err := setup.ValidateConnection(ctx, &remoteCfg)
		Expect(err).NotTo(HaveOccurred())
		Expect(title).To(Equal(supabase.URL()))
	})

	It("keeps the exporter unready and reports the failure", func() {
		configFile := helpers.WriteConfigYAML(tempDir, helpers.ExporterSpec{
			Name:        "home",
			RemoteURL:   supabase.URL(),
			APIKey:      "wrong",
			SourceURL:   ha.URL(),
			SourceToken: "unused",
			Items:       []string{"sensor.temperature"},
		})
		serverHelper := helpers.NewServerTestHelper(ctx, configFile, filepath.Join(tempDir, "data"))
		Expect(serverHelper.StartServer()).To(Succeed())
		defer func() {
			_ = serverHelper.StopServer()
		}()

		Eventually(func() int {
			resp, err := http.Get(serverHelper.GetBaseURL() + "/readiness") //nolint:gosec,noctx // test server
			if err != nil {
				return 0
			}
			_ = resp.Body.Close()
			return resp.StatusCode
		}, 5*time.Second, 50*time.Millisecond).Should(Equal(http.StatusServiceUnavailable))

		summary, err := serverHelper.GetExporter("home")
		Expect(err).NotTo(HaveOccurred())
		Expect(summary.Phase).To(Equal(status.SyncPhaseFailed))
		Expect(summary.ConsecutiveFailures).To(BeNumerically(">=", 1))

		sensors, err := serverHelper.GetSensors("home")
		Expect(err).NotTo(HaveOccurred())
		Expect(sensors.Sensors[0].Value).To(BeNil())
		Expect(supabase.Rows(entitiesTable)).To(BeEmpty())
	})
})
