package e2e

import (
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Session lifecycle", func() {
	It("creates, updates, and deletes a session", func() {
		resp := doRequest(http.MethodPost, "/session", map[string]any{
			"initialVariables": map[string]any{"env": "e2e"},
		})
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))
		var created struct {
			SessionID string `json:"sessionId"`
		}
		decodeBody(resp, &created)
		Expect(created.SessionID).NotTo(BeEmpty())

		resp = doRequest(http.MethodGet, "/session/"+created.SessionID, nil)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		var snap struct {
			Variables map[string]any `json:"variables"`
		}
		decodeBody(resp, &snap)
		Expect(snap.Variables["env"]).To(Equal("e2e"))

		resp = doRequest(http.MethodPut, "/session/"+created.SessionID+"/variables", map[string]any{
			"variables": map[string]any{"env": "e2e-updated"},
		})
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		resp.Body.Close()

		resp = doRequest(http.MethodDelete, "/session/"+created.SessionID, nil)
		Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
		resp.Body.Close()

		resp = doRequest(http.MethodGet, "/session/"+created.SessionID, nil)
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		resp.Body.Close()
	})

	It("rejects an unknown session id", func() {
		resp := doRequest(http.MethodGet, "/session/does-not-exist", nil)
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
	})
})
