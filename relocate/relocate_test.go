package relocate_test

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/cacherr-project/cacherr/events"
	"github.com/cacherr-project/cacherr/internal/nlog"
	"github.com/cacherr-project/cacherr/relocate"
	"github.com/cacherr-project/cacherr/track"
)

func openTracker() *track.Store {
	dir := mustTempDir()
	log := nlog.New(dir, nlog.LevelError, "relocate_test")
	s, err := track.Open(filepath.Join(dir, "tracker.db"), time.Hour, log)
	Expect(err).NotTo(HaveOccurred())
	return s
}

var _ = Describe("Relocator", func() {
	var (
		tracker  *track.Store
		fastRoot string
		bus      *events.Bus
		log      *nlog.Logger
		r        *relocate.Relocator
	)

	BeforeEach(func() {
		tracker = openTracker()
		fastRoot = mustTempDir()
		bus = events.New(16)
		log = nlog.New(mustTempDir(), nlog.LevelError, "relocate_test")
		r = relocate.New(fastRoot, tracker, bus, 4, log)
	})

	AfterEach(func() {
		Expect(tracker.Close()).To(Succeed())
	})

	Describe("CacheTo", func() {
		It("copies the file to the fast tier and swaps a symlink over the original path", func() {
			dir := mustTempDir()
			logicalPath := filepath.Join(dir, "movie.mkv")
			Expect(os.WriteFile(logicalPath, []byte("hello world"), 0o644)).To(Succeed())

			entry, err := r.CacheTo(context.Background(), logicalPath, track.CauseActive, "u1")
			Expect(err).NotTo(HaveOccurred())
			Expect(entry.Status).To(Equal(track.StatusActive))
			Expect(entry.SizeBytes).To(Equal(int64(len("hello world"))))

			info, err := os.Lstat(logicalPath)
			Expect(err).NotTo(HaveOccurred())
			Expect(info.Mode() & os.ModeSymlink).NotTo(BeZero())

			target, err := os.Readlink(logicalPath)
			Expect(err).NotTo(HaveOccurred())
			Expect(target).To(Equal(entry.FastTierPath))

			contents, err := os.ReadFile(logicalPath)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(contents)).To(Equal("hello world"))
		})

		It("is idempotent when called again on an already-cached path", func() {
			dir := mustTempDir()
			logicalPath := filepath.Join(dir, "movie.mkv")
			Expect(os.WriteFile(logicalPath, []byte("hello world"), 0o644)).To(Succeed())

			first, err := r.CacheTo(context.Background(), logicalPath, track.CauseActive, "u1")
			Expect(err).NotTo(HaveOccurred())

			second, err := r.CacheTo(context.Background(), logicalPath, track.CauseActive, "u1")
			Expect(err).NotTo(HaveOccurred())
			Expect(second.ID).To(Equal(first.ID))
		})
	})

	Describe("RestoreFrom", func() {
		It("copies the fast-tier file back and restores the original path", func() {
			dir := mustTempDir()
			logicalPath := filepath.Join(dir, "movie.mkv")
			Expect(os.WriteFile(logicalPath, []byte("hello world"), 0o644)).To(Succeed())

			entry, err := r.CacheTo(context.Background(), logicalPath, track.CauseActive, "u1")
			Expect(err).NotTo(HaveOccurred())

			Expect(r.RestoreFrom(context.Background(), entry)).To(Succeed())

			info, err := os.Lstat(logicalPath)
			Expect(err).NotTo(HaveOccurred())
			Expect(info.Mode() & os.ModeSymlink).To(BeZero())

			contents, err := os.ReadFile(logicalPath)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(contents)).To(Equal("hello world"))

			_, err = os.Stat(entry.FastTierPath)
			Expect(os.IsNotExist(err)).To(BeTrue())

			_, found, err := tracker.Get(entry.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())
		})

		It("marks the entry orphaned when the symlink no longer points at the fast tier", func() {
			dir := mustTempDir()
			logicalPath := filepath.Join(dir, "movie.mkv")
			Expect(os.WriteFile(logicalPath, []byte("hello world"), 0o644)).To(Succeed())

			entry, err := r.CacheTo(context.Background(), logicalPath, track.CauseActive, "u1")
			Expect(err).NotTo(HaveOccurred())

			Expect(os.Remove(logicalPath)).To(Succeed())
			Expect(os.Symlink("/somewhere/else", logicalPath)).To(Succeed())

			err = r.RestoreFrom(context.Background(), entry)
			Expect(err).To(HaveOccurred())

			got, found, err := tracker.Get(entry.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())
			Expect(got.Status).To(Equal(track.StatusOrphaned))
		})
	})
})
