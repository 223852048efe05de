package track_test

import (
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/cacherr-project/cacherr/internal/nlog"
	"github.com/cacherr-project/cacherr/track"
)

func openStore() *track.Store {
	dir := mustTempDir()
	log := nlog.New(dir, nlog.LevelError, "track_test")
	s, err := track.Open(filepath.Join(dir, "tracker.db"), time.Hour, log)
	Expect(err).NotTo(HaveOccurred())
	return s
}

var _ = Describe("Store", func() {
	var s *track.Store

	BeforeEach(func() {
		s = openStore()
	})

	AfterEach(func() {
		Expect(s.Close()).To(Succeed())
	})

	Describe("UpsertStaging", func() {
		It("creates a new staging row for a fresh logical path", func() {
			e, err := s.UpsertStaging("/library/movies/foo.mkv", "/slow/foo.mkv", "/fast/ab/cd/foo.mkv", track.CauseActive, "u1")
			Expect(err).NotTo(HaveOccurred())
			Expect(e.Status).To(Equal(track.StatusStaging))
			Expect(e.Attributions).To(ConsistOf("u1"))
		})

		It("is idempotent for a logical path that already has a non-removed entry", func() {
			first, err := s.UpsertStaging("/library/movies/foo.mkv", "/slow/foo.mkv", "/fast/ab/cd/foo.mkv", track.CauseActive, "u1")
			Expect(err).NotTo(HaveOccurred())

			second, err := s.UpsertStaging("/library/movies/foo.mkv", "/slow/foo.mkv", "/fast/ab/cd/foo.mkv", track.CauseActive, "u2")
			Expect(err).NotTo(HaveOccurred())
			Expect(second.ID).To(Equal(first.ID))
			Expect(second.Attributions).To(ConsistOf("u1"))
		})
	})

	Describe("MarkActive then Touch", func() {
		It("transitions staging to active and keeps access_count monotonic", func() {
			e, err := s.UpsertStaging("/library/movies/foo.mkv", "/slow/foo.mkv", "/fast/ab/cd/foo.mkv", track.CauseActive, "u1")
			Expect(err).NotTo(HaveOccurred())

			active, err := s.MarkActive(e.ID, 1024, "deadbeef")
			Expect(err).NotTo(HaveOccurred())
			Expect(active.Status).To(Equal(track.StatusActive))
			Expect(active.SizeBytes).To(Equal(int64(1024)))

			touched, err := s.Touch(e.ID, "u2")
			Expect(err).NotTo(HaveOccurred())
			Expect(touched.AccessCount).To(Equal(int64(1)))
			Expect(touched.Attributions).To(ConsistOf("u1", "u2"))

			touchedAgain, err := s.Touch(e.ID, "u2")
			Expect(err).NotTo(HaveOccurred())
			Expect(touchedAgain.AccessCount).To(Equal(int64(2)))
			Expect(touchedAgain.Attributions).To(ConsistOf("u1", "u2"))
		})
	})

	Describe("MarkRemoved", func() {
		It("frees the logical path for a new upsertStaging", func() {
			e, err := s.UpsertStaging("/library/movies/foo.mkv", "/slow/foo.mkv", "/fast/ab/cd/foo.mkv", track.CauseActive, "u1")
			Expect(err).NotTo(HaveOccurred())

			_, err = s.MarkRemoved(e.ID)
			Expect(err).NotTo(HaveOccurred())

			fresh, err := s.UpsertStaging("/library/movies/foo.mkv", "/slow/foo.mkv", "/fast/ef/01/foo.mkv", track.CauseActive, "u3")
			Expect(err).NotTo(HaveOccurred())
			Expect(fresh.ID).NotTo(Equal(e.ID))
		})
	})

	Describe("ByStatus and NotIn", func() {
		It("partitions entries by status", func() {
			a, _ := s.UpsertStaging("/a", "/slow/a", "/fast/a", track.CauseActive, "u1")
			b, _ := s.UpsertStaging("/b", "/slow/b", "/fast/b", track.CauseActive, "u1")
			_, err := s.MarkActive(a.ID, 10, "")
			Expect(err).NotTo(HaveOccurred())

			active, err := s.ByStatus(track.StatusActive)
			Expect(err).NotTo(HaveOccurred())
			Expect(active).To(HaveLen(1))
			Expect(active[0].ID).To(Equal(a.ID))

			notRemoved, err := s.NotIn(track.StatusActive, track.StatusRemoved)
			Expect(err).NotTo(HaveOccurred())
			Expect(notRemoved).To(HaveLen(1))
			Expect(notRemoved[0].ID).To(Equal(b.ID))
		})
	})

	Describe("Query", func() {
		It("filters by status and paginates newest-first", func() {
			for i := 0; i < 3; i++ {
				_, err := s.UpsertStaging(
					filepath.Join("/library", string(rune('a'+i))),
					filepath.Join("/slow", string(rune('a'+i))),
					filepath.Join("/fast", string(rune('a'+i))),
					track.CauseActive, "u1")
				Expect(err).NotTo(HaveOccurred())
			}
			page, err := s.Query(track.Filter{Status: track.StatusStaging, Limit: 2})
			Expect(err).NotTo(HaveOccurred())
			Expect(page.Total).To(Equal(3))
			Expect(page.Entries).To(HaveLen(2))
		})

		It("excludes removed entries unless IncludeRemoved is set", func() {
			e, err := s.UpsertStaging("/a", "/slow/a", "/fast/a", track.CauseActive, "u1")
			Expect(err).NotTo(HaveOccurred())
			_, err = s.MarkRemoved(e.ID)
			Expect(err).NotTo(HaveOccurred())

			page, err := s.Query(track.Filter{})
			Expect(err).NotTo(HaveOccurred())
			Expect(page.Entries).To(BeEmpty())

			page, err = s.Query(track.Filter{IncludeRemoved: true})
			Expect(err).NotTo(HaveOccurred())
			Expect(page.Entries).To(HaveLen(1))
		})
	})

	Describe("Stats", func() {
		It("reports critical health once used_percent crosses 98", func() {
			e, err := s.UpsertStaging("/a", "/slow/a", "/fast/a", track.CauseActive, "u1")
			Expect(err).NotTo(HaveOccurred())
			_, err = s.MarkActive(e.ID, 990, "")
			Expect(err).NotTo(HaveOccurred())

			stats, err := s.Stats(1000, false, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.Health).To(Equal(track.HealthCritical))
		})

		It("reports warning health when eviction overflowed the active class", func() {
			stats, err := s.Stats(1000, true, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.Health).To(Equal(track.HealthWarning))
		})
	})
})
