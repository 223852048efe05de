package relocate_test

import (
	"os"
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestRelocate(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, t.Name())
}

func mustTempDir() string {
	dir, err := os.MkdirTemp("", "relocate-test-*")
	Expect(err).NotTo(HaveOccurred())
	return dir
}
