package e2e

import (
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// Bearer token enforcement only has an observable effect against a server
// started with HTTPFLOW_BEARER_TOKEN set; against a token-less dev server
// every request is already unauthenticated and this suite degenerates to a
// no-op check that protected routes still answer.
var _ = Describe("Bearer token enforcement", func() {
	It("rejects a protected route without the configured token", func() {
		if bearerToken == "" {
			Skip("HTTPFLOW_E2E_BEARER_TOKEN not set; server under test has auth disabled")
		}

		req, err := http.NewRequest(http.MethodGet, baseURL+"/session/does-not-exist", nil)
		Expect(err).NotTo(HaveOccurred())
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
	})

	It("accepts a protected route with the configured token", func() {
		resp := doRequest(http.MethodGet, "/capabilities", nil)
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
	})

	It("serves /health using whatever credentials this suite is configured with", func() {
		resp := doRequest(http.MethodGet, "/health", nil)
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
	})
})
