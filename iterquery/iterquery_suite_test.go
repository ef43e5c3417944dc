package iterquery

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestIterquerySuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "iterquery convergence suite")
}
